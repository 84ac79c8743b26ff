package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLoopGivesUpOnRepeatedFailures(t *testing.T) {
	calls := 0
	errDevice := errors.New("device unplugged")
	out := make(chan Frame, 1)

	err := ReadLoop(context.Background(), make([]int16, 4), time.Millisecond, func() error {
		calls++
		return errDevice
	}, out)

	require.ErrorIs(t, err, errDevice)
	assert.Equal(t, MaxReadFailures, calls)
	assert.Empty(t, out)
}

func TestReadLoopRecoversFromTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf := make([]int16, 2)
	calls := 0
	out := make(chan Frame, 64)

	err := ReadLoop(ctx, buf, time.Millisecond, func() error {
		calls++
		switch {
		case calls%(MaxReadFailures-1) != 0:
			return errors.New("overflow")
		case calls > 5*MaxReadFailures:
			cancel()
		}
		buf[0] = int16(calls)
		return nil
	}, out)

	require.NoError(t, err)
	require.NotEmpty(t, out)
	f := <-out
	if f.Samples[0] != int16(MaxReadFailures-1) {
		t.Fatalf("first frame sample = %d, want %d", f.Samples[0], MaxReadFailures-1)
	}
}
