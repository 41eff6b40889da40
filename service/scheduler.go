package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/store"
)

// VisibilityPolicy bounds how long a submission stays hidden. A submission
// that does not reach the batch threshold is revealed MinDelay plus a
// uniformly random extra delay of up to MaxDelay after it was submitted.
type VisibilityPolicy struct {
	BatchThreshold int
	MinDelay       time.Duration
	MaxDelay       time.Duration
	// PollInterval caps how long the poller sleeps between sweeps.
	PollInterval time.Duration
	// RetryBackoff is the pause before the single retry of a transient failure.
	RetryBackoff time.Duration
}

func (p VisibilityPolicy) Validate() error {
	if p.BatchThreshold < 1 {
		return fmt.Errorf("batch threshold must be >= 1, got %d", p.BatchThreshold)
	}
	if p.MinDelay < 0 || p.MaxDelay < 0 {
		return errors.New("reveal delays must not be negative")
	}
	if p.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

const sweepLimit = 100

// Trigger names what caused a reveal.
type Trigger string

const (
	TriggerBatch Trigger = "batch"
	TriggerTimer Trigger = "timer"
)

// RevealEvent is published whenever submissions become visible.
type RevealEvent struct {
	Count   int
	Trigger Trigger
}

// Outcome is the scheduling decision for one new submission.
type Outcome struct {
	Batched  bool
	RevealAt time.Time
}

// Scheduler decides when hidden submissions become visible. Deferred reveals
// are persisted as reveal_at due times, so a restart loses nothing; the
// poller sleeps until the earliest due time and is woken by new submissions.
type Scheduler struct {
	store  store.Store
	policy VisibilityPolicy
	log    *slog.Logger
	now    func() time.Time
	wake   chan struct{}

	mu   sync.Mutex
	subs map[chan RevealEvent]struct{}
}

func NewScheduler(st store.Store, policy VisibilityPolicy, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:  st,
		policy: policy,
		log:    log.With("component", "scheduler"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		subs:   make(map[chan RevealEvent]struct{}),
	}
}

func (s *Scheduler) Policy() VisibilityPolicy { return s.policy }

// NextRevealAt draws a due time in [from+MinDelay, from+MinDelay+MaxDelay].
func (s *Scheduler) NextRevealAt(from time.Time) (time.Time, error) {
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(s.policy.MaxDelay)+1))
	if err != nil {
		return time.Time{}, err
	}
	return from.Add(s.policy.MinDelay + time.Duration(jitter.Int64())), nil
}

// OnSubmit runs after a submission with a persisted due time is stored. If
// the hidden set reached the threshold the oldest batch is revealed now.
func (s *Scheduler) OnSubmit(ctx context.Context, sub *model.Submission) (Outcome, error) {
	out := Outcome{RevealAt: sub.RevealAt}
	defer s.poke()

	revealed, err := s.revealBatchIfFull(ctx)
	if err != nil {
		return out, err
	}
	for _, id := range revealed {
		if id == sub.ID {
			out.Batched = true
			break
		}
	}
	return out, nil
}

// Subscribe returns a channel of reveal events and a function that releases it.
// Slow subscribers miss events rather than block reveals.
func (s *Scheduler) Subscribe() (<-chan RevealEvent, func()) {
	ch := make(chan RevealEvent, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) publish(ev RevealEvent) {
	if ev.Count == 0 {
		return
	}
	s.log.Info("submissions revealed", "count", ev.Count, "trigger", ev.Trigger)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps due reveals until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"batchThreshold", s.policy.BatchThreshold,
		"minDelay", s.policy.MinDelay,
		"maxDelay", s.policy.MaxDelay)
	for {
		next, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", "err", err)
		}

		wait := s.policy.PollInterval
		if !next.IsZero() {
			if d := next.Sub(s.now()); d < wait {
				wait = max(d, 0)
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sweep fires every due reveal, backfills due times for hidden rows that
// have none, and returns the earliest pending due time (zero if none).
func (s *Scheduler) Sweep(ctx context.Context) (time.Time, error) {
	now := s.now()
	due, err := s.store.Find(ctx, store.Filter{Visible: store.Bool(false), RevealDueBy: now}, store.SortRevealAtAsc, sweepLimit)
	if err != nil {
		return time.Time{}, err
	}
	failed := 0
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		if !s.fire(ctx, sub.ID) {
			failed++
		}
	}
	if failed > 0 {
		// back off to the poll interval instead of spinning on the same rows
		return time.Time{}, fmt.Errorf("%d deferred reveals failed", failed)
	}
	if len(due) == sweepLimit {
		return now, nil
	}

	if err := s.backfill(ctx, now); err != nil {
		return time.Time{}, err
	}

	upcoming, err := s.store.Find(ctx, store.Filter{Visible: store.Bool(false), HasRevealAt: store.Bool(true)}, store.SortRevealAtAsc, 1)
	if err != nil || len(upcoming) == 0 {
		return time.Time{}, err
	}
	return upcoming[0].RevealAt, nil
}

// fire is the deferred reveal of one submission. A submission that is gone
// or already visible is a no-op. It reports false if the store kept failing.
func (s *Scheduler) fire(ctx context.Context, id uuid.UUID) bool {
	var changed bool
	err := s.retryOnce(ctx, func(ctx context.Context) error {
		var err error
		changed, err = setVisible(ctx, s.store, id)
		return err
	})
	if err != nil {
		s.log.Error("deferred reveal failed, left for next sweep", "err", err)
		return false
	}
	if !changed {
		return true
	}
	s.publish(RevealEvent{Count: 1, Trigger: TriggerTimer})

	if _, err := s.revealBatchIfFull(ctx); err != nil {
		s.log.Warn("batch re-evaluation after deferred reveal failed", "err", err)
	}
	return true
}

// revealBatchIfFull reveals the BatchThreshold oldest hidden submissions when
// at least that many are hidden and returns the ids now visible. Racing
// triggers may select the same rows; the conditional update makes the second
// flip a no-op.
func (s *Scheduler) revealBatchIfFull(ctx context.Context) ([]uuid.UUID, error) {
	hidden := store.Filter{Visible: store.Bool(false)}
	var n int
	err := s.retryOnce(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.Count(ctx, hidden)
		return err
	})
	if err != nil {
		return nil, err
	}
	if n < s.policy.BatchThreshold {
		return nil, nil
	}

	var batch []*model.Submission
	err = s.retryOnce(ctx, func(ctx context.Context) error {
		var err error
		batch, err = s.store.Find(ctx, hidden, store.SortIDAsc, s.policy.BatchThreshold)
		return err
	})
	if err != nil {
		return nil, err
	}

	revealed := make([]uuid.UUID, 0, len(batch))
	flipped := 0
	var firstErr error
	for _, sub := range batch {
		var changed bool
		err := s.retryOnce(ctx, func(ctx context.Context) error {
			var err error
			changed, err = setVisible(ctx, s.store, sub.ID)
			return err
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			flipped++
		}
		revealed = append(revealed, sub.ID)
	}
	s.publish(RevealEvent{Count: flipped, Trigger: TriggerBatch})
	return revealed, firstErr
}

// backfill gives hidden rows without a due time a fresh one. Such rows come
// from deployments that did not persist due times.
func (s *Scheduler) backfill(ctx context.Context, now time.Time) error {
	orphans, err := s.store.Find(ctx, store.Filter{Visible: store.Bool(false), HasRevealAt: store.Bool(false)}, store.SortIDAsc, sweepLimit)
	if err != nil {
		return err
	}
	for _, sub := range orphans {
		at, err := s.NextRevealAt(now)
		if err != nil {
			return err
		}
		if _, err := s.store.UpdateIfState(ctx, sub.ID,
			store.Condition{Field: store.FieldVisible, Value: false},
			store.Patch{RevealAt: &at}); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		s.log.Info("scheduled reveals for hidden submissions without a due time", "count", len(orphans))
	}
	return nil
}

func (s *Scheduler) retryOnce(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.Is(err, store.ErrTransient) {
		return err
	}
	s.log.Warn("transient store failure, retrying once", "err", err)
	t := time.NewTimer(s.policy.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return op(ctx)
}

func setVisible(ctx context.Context, st store.Store, id uuid.UUID) (bool, error) {
	return st.UpdateIfState(ctx, id,
		store.Condition{Field: store.FieldVisible, Value: false},
		store.Patch{Visible: store.Bool(true)})
}
