package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/policy"
	"github.com/ent0n29/voicebench/internal/session"
)

const defaultSaveTimeout = 3 * time.Second

// Writer saves to a Store off the caller's goroutine. Saves run one at a
// time in submission order so a turn never lands before its session row.
// A full backlog drops the save.
type Writer struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	onFail  func(kind string)
	redact  bool

	mu     sync.RWMutex
	closed bool
	ops    chan func(ctx context.Context) (string, error)
	done   chan struct{}
}

type WriterOptions struct {
	Timeout time.Duration
	Backlog int
	Logger  *zap.Logger
	// OnFailure is called with "session" or "turn" when a save fails or is dropped.
	OnFailure func(kind string)
	// RedactPII masks emails, card and phone numbers in turn text before saving.
	RedactPII bool
}

func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSaveTimeout
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func(string) {}
	}
	w := &Writer{
		store:   store,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		onFail:  opts.OnFailure,
		redact:  opts.RedactPII,
		ops:     make(chan func(ctx context.Context) (string, error), opts.Backlog),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		kind, err := op(ctx)
		cancel()
		if err != nil {
			w.logger.Warn("history save failed", zap.String("kind", kind), zap.Error(err))
			w.onFail(kind)
		}
	}
}

func (w *Writer) SaveSession(s session.Session) {
	w.submit("session", func(ctx context.Context) (string, error) {
		return "session", w.store.SaveSession(ctx, s)
	})
}

func (w *Writer) SaveTurn(t session.Turn) {
	if w != nil && w.redact {
		t.UserTranscript, _ = policy.RedactPII(t.UserTranscript)
		t.AgentText, _ = policy.RedactPII(t.AgentText)
	}
	w.submit("turn", func(ctx context.Context) (string, error) {
		return "turn", w.store.SaveTurn(ctx, t)
	})
}

func (w *Writer) submit(kind string, op func(ctx context.Context) (string, error)) {
	if w == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.onFail(kind)
		return
	}
	select {
	case w.ops <- op:
	default:
		w.logger.Warn("history backlog full, dropping save", zap.String("kind", kind))
		w.onFail(kind)
	}
}

// Close waits for pending saves to finish. It does not close the Store.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	<-w.done
}
