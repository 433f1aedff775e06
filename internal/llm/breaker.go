package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the breaker is refusing calls.
var ErrCircuitOpen = errors.New("llm circuit open")

// breaker states.
const (
	stateClosed = iota
	stateOpen
	stateHalfOpen
)

// Breaker wraps a Client with a circuit breaker. Five consecutive
// failures open the circuit; after the open timeout one probe call is
// allowed, and two consecutive successes close it again.
type Breaker struct {
	inner Client

	mu           sync.Mutex
	state        int
	failures     int
	successes    int
	openedAt     time.Time
	failLimit    int
	openTimeout  time.Duration
	successLimit int
	logger       *zap.Logger
}

// NewBreaker wraps inner with the default thresholds.
func NewBreaker(inner Client, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		inner:        inner,
		failLimit:    5,
		openTimeout:  60 * time.Second,
		successLimit: 2,
		logger:       logger.Named("llm.breaker"),
	}
}

// Complete forwards to the inner client when the circuit allows it.
func (b *Breaker) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	out, err := b.inner.Complete(ctx, system, prompt)
	b.record(err == nil)
	return out, err
}

func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.openTimeout {
			return ErrCircuitOpen
		}
		b.state = stateHalfOpen
		b.successes = 0
		b.logger.Info("circuit half-open, probing backend")
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		switch b.state {
		case stateHalfOpen:
			b.successes++
			if b.successes >= b.successLimit {
				b.state = stateClosed
				b.failures = 0
				b.logger.Info("circuit closed")
			}
		default:
			b.failures = 0
		}
		return
	}
	switch b.state {
	case stateHalfOpen:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.failLimit {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.logger.Warn("circuit opened", zap.Duration("retry_after", b.openTimeout))
}
