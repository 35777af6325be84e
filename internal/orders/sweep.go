package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/traces"
)

// SweepResult summarizes one auto-release pass.
type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Released int      `json:"released"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// sweepBatch is the page size used when walking candidates.
const sweepBatch = 1000

// SweepAutoRelease completes every sent order whose confirmation window has
// elapsed at now. Candidates are walked oldest sent first, page by page,
// until the first order that is not yet due. Running it twice releases
// nothing new the second time.
func (s *Service) SweepAutoRelease(ctx context.Context, now time.Time) (res SweepResult, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.SweepAutoRelease")
	defer func() { traces.End(span, err) }()
	timer := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(timer).Seconds()) }()

	pol, err := s.policy.Get(ctx)
	if err != nil {
		return res, err
	}
	window := pol.AutoReleaseAfter()

	var cursor ReleaseCursor
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := s.store.ListAwaitingRelease(ctx, cursor, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("list orders awaiting release: %w", err)
		}
		if len(page) == 0 {
			break
		}
		last := page[len(page)-1]
		cursor = ReleaseCursor{SentAt: *last.SentAt, ID: last.ID}

		if !s.releasePage(ctx, page, now, window, pol.AutoReleaseDays, &res) || len(page) < sweepBatch {
			break
		}
	}

	s.logger.Info("auto-release sweep finished",
		"scanned", res.Scanned, "released", res.Released, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// releasePage releases the due orders of one page. It returns false once it
// reaches an order that is not yet due; later orders were sent later.
func (s *Service) releasePage(ctx context.Context, page []*Order, now time.Time, window time.Duration, days int, res *SweepResult) bool {
	for _, c := range page {
		res.Scanned++
		if !due(c, now, window) {
			res.Skipped++
			return false
		}
		if c.HasOpenDispute() {
			res.Skipped++
			continue
		}

		o, err := s.release(ctx, c.ID, func(o *Order) error {
			if !due(o, now, window) {
				return fmt.Errorf("%w: not yet due", ErrInvalidTransition)
			}
			return nil
		})
		switch {
		case err == nil:
			res.Released++
			metrics.AutoReleasedTotal.Inc()
			s.sink.PostMessage(ctx, o.ID, notify.MessageAutoReleased, fmt.Sprintf(
				"This order was completed automatically %d days after it was sent. Funds have been released to the seller.",
				days))
		case errors.Is(err, ErrDisputeOpen), errors.Is(err, ErrInvalidTransition):
			// state moved between listing and locking
			res.Skipped++
		default:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.ID, err))
			s.logger.Error("auto-release failed", "order_id", c.ID, "error", err)
		}
	}
	return true
}

func due(o *Order, now time.Time, window time.Duration) bool {
	return o.SentAt != nil && now.Sub(*o.SentAt) >= window
}

// Timer runs SweepAutoRelease on an interval.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.SweepAutoRelease(ctx, time.Now().UTC()); err != nil {
		t.logger.Warn("auto-release sweep failed", "error", err)
	}
}
