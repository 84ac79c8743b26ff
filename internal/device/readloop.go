package device

import (
	"context"
	"fmt"
	"time"
)

// MaxReadFailures is how many consecutive device reads may fail before a
// capture stream gives up.
const MaxReadFailures = 8

// ReadLoop fills buf with read and hands a copy of every block to out until
// ctx ends or MaxReadFailures reads fail in a row. A failed read waits one
// frame before retrying. Blocks are dropped when out is full.
func ReadLoop(ctx context.Context, buf []int16, frame time.Duration, read func() error, out chan<- Frame) error {
	failures := 0
	for ctx.Err() == nil {
		if err := read(); err != nil {
			failures++
			if failures >= MaxReadFailures {
				return fmt.Errorf("capture read failed %d times: %w", failures, err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(frame):
			}
			continue
		}
		failures = 0
		samples := make([]int16, len(buf))
		copy(samples, buf)
		select {
		case out <- Frame{Samples: samples, At: time.Now()}:
		default:
		}
	}
	return nil
}
