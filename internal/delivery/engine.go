// Package delivery posts outbound segments through a chat transport with a
// bounded retry loop and a process-wide adaptive wait shared by every
// concurrent delivery.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/mail2room/internal/chat"
	"github.com/shineum/mail2room/internal/email"
)

// Sender posts a single segment. chat.Transport satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) (chat.SendStatus, error)
}

// Config holds the throttling parameters of an Engine.
type Config struct {
	// DefaultWait is the wait before the first attempt after startup.
	DefaultWait time.Duration

	// BurstLength is the window in which attempts count towards a burst.
	BurstLength time.Duration

	// BurstThreshold is the attempt count within one window at which
	// BurstPenalty starts being added to the wait.
	BurstThreshold int
	BurstPenalty   time.Duration

	// MaxTries bounds the attempts per segment.
	MaxTries int

	// FailedPenalty is added to the wait whenever a segment is exhausted.
	FailedPenalty time.Duration

	// SendTimeout bounds each transport call. Zero disables the timeout.
	SendTimeout time.Duration
}

// Status is the final outcome of delivering one segment.
type Status int

const (
	StatusDelivered Status = iota
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes how a segment delivery ended.
type Result struct {
	Status     Status
	Attempts   int
	LastStatus chat.SendStatus

	// Err is the transport or context error that ended the loop early, if any.
	Err error
}

// State is the shared throttling state.
type State struct {
	Wait       time.Duration
	BurstCount int
	BurstStart time.Time
}

// Engine delivers segments one attempt at a time, adapting the wait between
// attempts to rate-limit hints, bursts and failures. An Engine is safe for
// concurrent use; all deliveries share one State.
type Engine struct {
	cfg    Config
	sender Sender

	mu    sync.Mutex
	state State

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine whose wait starts at cfg.DefaultWait.
func New(cfg Config, sender Sender) *Engine {
	if cfg.MaxTries < 1 {
		cfg.MaxTries = 1
	}
	return &Engine{
		cfg:    cfg,
		sender: sender,
		state:  State{Wait: cfg.DefaultWait},
		now:    time.Now,
		sleep:  sleepWithContext,
	}
}

// State returns a snapshot of the shared throttling state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Deliver posts seg into roomID, retrying until the transport answers 200 or
// MaxTries attempts have been made. Every attempt is preceded by the current
// shared wait. A timed-out or cancelled attempt ends the loop immediately.
func (e *Engine) Deliver(ctx context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) Result {
	var res Result

	for attempt := 1; attempt <= e.cfg.MaxTries; attempt++ {
		res.Attempts = attempt

		wait := e.currentWait()
		slog.Debug("waiting before delivery attempt",
			"message_id", seg.EmailID,
			"room", roomID,
			"attempt", attempt,
			"wait", wait,
		)
		if err := e.sleep(ctx, wait); err != nil {
			res.Err = fmt.Errorf("context cancelled during wait: %w", err)
			break
		}

		status, err := e.attempt(ctx, seg, roomID, kind)
		if err != nil {
			status = chat.SendStatus{Message: err.Error()}
		}
		res.LastStatus = status
		e.record(status)

		slog.Debug("delivery attempt finished",
			"message_id", seg.EmailID,
			"room", roomID,
			"attempt", attempt,
			"status", status.StatusCode,
			"detail", status.Message,
		)

		if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil) {
			res.Err = err
			break
		}
		if status.OK() {
			e.delivered()
			res.Status = StatusDelivered
			return res
		}
	}

	e.exhausted()
	res.Status = StatusExhausted
	slog.Warn("segment delivery exhausted",
		"message_id", seg.EmailID,
		"room", roomID,
		"attempts", res.Attempts,
		"status", res.LastStatus.StatusCode,
		"from", seg.FromEmail,
		"subject", seg.Subject,
		"date", seg.Date,
	)
	return res
}

func (e *Engine) attempt(ctx context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) (chat.SendStatus, error) {
	if e.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
	}
	return e.sender.SendMessage(ctx, seg, roomID, kind)
}

func (e *Engine) currentWait() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Wait
}

// record applies the rate-limit hint and burst accounting of one attempt.
func (e *Engine) record(status chat.SendStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	if status.RetryAfter > s.Wait {
		s.Wait = status.RetryAfter
	}

	now := e.now()
	s.BurstCount++
	if s.BurstCount == 1 {
		s.BurstStart = now
	}
	if now.Sub(s.BurstStart) > e.cfg.BurstLength {
		s.BurstCount = 0
	}
	if e.cfg.BurstThreshold > 0 && s.BurstCount >= e.cfg.BurstThreshold {
		s.Wait += e.cfg.BurstPenalty
		slog.Info("burst threshold reached",
			"burst_count", s.BurstCount,
			"threshold", e.cfg.BurstThreshold,
			"wait", s.Wait,
		)
	}
}

func (e *Engine) delivered() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Wait = 0
}

func (e *Engine) exhausted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Wait += e.cfg.FailedPenalty
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
