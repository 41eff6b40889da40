package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/pkc/keycodec"
	"github.com/collapsinghierarchy/veilbox/store"
)

var (
	ErrValidation             = errors.New("invalid request")
	ErrAlreadySubmitted       = errors.New("you have already submitted a response; only one submission is allowed")
	ErrKeyGenerationExhausted = errors.New("could not generate a unique key pair")
)

// DefaultKeyAttempts is the key-generation retry budget of Submit.
const DefaultKeyAttempts = 10

type Options struct {
	Mode                    model.SealingMode
	EnforceSingleSubmission bool
	MaxContentBytes         int
	KeyAttempts             int
	Visibility              VisibilityPolicy
}

type Service struct {
	store    store.Store          // dependency-injected DAL interface
	identity store.Identity       // user directory owned by the session layer
	codec    keycodec.Codec
	sched    *Scheduler
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func New(st store.Store, ids store.Identity, codec keycodec.Codec, opts Options, log *slog.Logger) (*Service, error) {
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("unknown sealing mode %q", opts.Mode)
	}
	if opts.Mode == model.SealingSigned && !codec.CanSign() {
		return nil, errors.New("signed sealing mode needs a key family that can sign")
	}
	if err := opts.Visibility.Validate(); err != nil {
		return nil, err
	}
	if opts.KeyAttempts <= 0 {
		opts.KeyAttempts = DefaultKeyAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    st,
		identity: ids,
		codec:    codec,
		sched:    NewScheduler(st, opts.Visibility, log),
		opts:     opts,
		log:      log.With("component", "service"),
		now:      time.Now,
	}, nil
}

func (s *Service) Scheduler() *Scheduler { return s.sched }

// Run drives deferred reveals until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error { return s.sched.Run(ctx) }

// ListVisible returns visible submissions newest first. Attribution is only
// filled in when withAttribution is set. Emails are resolved after the stream
// is closed so the lookups never wait on the connection the stream holds.
func (s *Service) ListVisible(ctx context.Context, withAttribution bool) ([]model.VisibleSubmission, error) {
	var out []model.VisibleSubmission
	err := s.store.StreamSubmissions(ctx, store.Filter{Visible: store.Bool(true)}, store.SortIDDesc, func(sub *model.Submission) error {
		v := model.VisibleSubmission{
			ID:        sub.ID,
			Content:   sub.Content,
			PublicKey: sub.PublicKey,
			Sealed:    sub.Sealed,
			Verified:  sub.Verified,
		}
		if withAttribution && sub.Verified {
			v.AttributedUserID = sub.AttributedUserID
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if withAttribution {
		s.resolveEmails(ctx, out)
	}
	return out, nil
}

func (s *Service) resolveEmails(ctx context.Context, subs []model.VisibleSubmission) {
	emails := make(map[uuid.UUID]string)
	for i := range subs {
		if !subs[i].AttributedUserID.Valid {
			continue
		}
		id := subs[i].AttributedUserID.UUID
		email, ok := emails[id]
		if !ok {
			u, err := s.identity.GetUser(ctx, id)
			if err != nil {
				s.log.Warn("attributed user lookup failed", "err", err)
				continue
			}
			email = u.Email
			emails[id] = email
		}
		subs[i].AttributedEmail = email
	}
}

// SubmissionStatus is what a user may learn about their own activity.
type SubmissionStatus struct {
	HasSubmitted    bool
	SubmissionCount int
}

func (s *Service) MyStatus(ctx context.Context, userID uuid.UUID) (SubmissionStatus, error) {
	u, err := s.identity.GetUser(ctx, userID)
	if err != nil {
		return SubmissionStatus{}, err
	}
	return SubmissionStatus{HasSubmitted: u.HasSubmitted, SubmissionCount: u.SubmissionCount}, nil
}

func (s *Service) ListSubmitters(ctx context.Context) ([]*model.User, error) {
	return s.identity.ListUsers(ctx)
}
