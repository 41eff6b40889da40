package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/pkc/keycodec"
	"github.com/collapsinghierarchy/veilbox/store"
)

// SubmitResult is returned once. PrivateKey is never stored anywhere; losing
// it makes the submission unclaimable.
type SubmitResult struct {
	ResponseID        uuid.UUID
	PrivateKey        string
	VisibilityMessage string
	Outcome           Outcome
}

// Submit stores content anonymously under a fresh one-time key pair. The
// author's id only reaches the identity collaborator's counter, never the
// submission record. Under the single-submission policy the counter is
// claimed before any key is generated and released if the record is never
// written.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, content string) (*SubmitResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if s.opts.MaxContentBytes > 0 && len(content) > s.opts.MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, s.opts.MaxContentBytes)
	}
	if s.opts.EnforceSingleSubmission {
		claimed, err := s.identity.ClaimSubmission(ctx, userID, s.now().UTC())
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, ErrAlreadySubmitted
		}
	}

	sub, priv, err := s.create(ctx, content)
	if err != nil {
		if s.opts.EnforceSingleSubmission {
			if rerr := s.identity.ReleaseSubmission(ctx, userID); rerr != nil {
				s.log.Error("releasing submission claim failed", "err", rerr)
			}
		}
		return nil, err
	}

	// The record exists from here on; failures below must not swallow the key.
	outcome, err := s.sched.OnSubmit(ctx, sub)
	if err != nil {
		s.log.Warn("batch evaluation failed, submission keeps its timed reveal", "err", err)
	}
	if !s.opts.EnforceSingleSubmission {
		if err := s.identity.RecordSubmission(ctx, userID, s.now().UTC()); err != nil {
			s.log.Error("recording submission with identity failed", "err", err)
		}
	}

	return &SubmitResult{
		ResponseID:        sub.ID,
		PrivateKey:        priv,
		VisibilityMessage: s.visibilityMessage(outcome),
		Outcome:           outcome,
	}, nil
}

// create generates a key pair whose public half is not stored yet, seals
// content with it and persists the hidden record.
func (s *Service) create(ctx context.Context, content string) (*model.Submission, string, error) {
	for attempt := 1; attempt <= s.opts.KeyAttempts; attempt++ {
		kp, err := s.codec.GenerateKeyPair()
		if err != nil {
			return nil, "", fmt.Errorf("generate key pair: %w", err)
		}
		n, err := s.store.Count(ctx, store.Filter{PublicKey: kp.PublicKey})
		if err != nil {
			return nil, "", err
		}
		if n > 0 {
			s.log.Warn("generated public key already stored, regenerating", "attempt", attempt)
			continue
		}

		sealed, err := s.seal([]byte(content), kp)
		if err != nil {
			if errors.Is(err, keycodec.ErrContentTooLarge) {
				return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return nil, "", fmt.Errorf("seal content: %w", err)
		}

		now := s.now().UTC()
		revealAt, err := s.sched.NextRevealAt(now)
		if err != nil {
			return nil, "", err
		}
		sub := &model.Submission{
			Content:   content,
			Sealed:    sealed,
			PublicKey: kp.PublicKey,
			Mode:      s.opts.Mode,
			RevealAt:  revealAt,
			CreatedAt: now,
		}
		id, err := s.store.Insert(ctx, sub)
		if errors.Is(err, store.ErrDuplicateKey) {
			s.log.Warn("public key collided on insert, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, "", err
		}
		sub.ID = id
		return sub, kp.PrivateKey, nil
	}
	s.log.Error("key generation budget exhausted", "attempts", s.opts.KeyAttempts)
	return nil, "", ErrKeyGenerationExhausted
}

func (s *Service) seal(content []byte, kp keycodec.KeyPair) ([]byte, error) {
	switch s.opts.Mode {
	case model.SealingSigned:
		return s.codec.Sign(content, kp.PrivateKey)
	default:
		return s.codec.Encrypt(content, kp.PublicKey)
	}
}

// MarkVisible reveals a submission. Revealing an already visible or missing
// submission is a no-op.
func (s *Service) MarkVisible(ctx context.Context, id uuid.UUID) (bool, error) {
	return setVisible(ctx, s.store, id)
}

// MarkVerified attributes a submission to userID and reveals it in the same
// conditional write. It reports false if the submission was already verified.
func (s *Service) MarkVerified(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	return s.store.UpdateIfState(ctx, id,
		store.Condition{Field: store.FieldVerified, Value: false},
		store.Patch{
			Verified:         store.Bool(true),
			Visible:          store.Bool(true),
			AttributedUserID: &userID,
		})
}

func (s *Service) visibilityMessage(o Outcome) string {
	if o.Batched {
		return "Your submission is now visible to the reviewer as part of a batch of submissions."
	}
	minutes := int(math.Ceil(o.RevealAt.Sub(s.now()).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Your submission will be visible to the reviewer in approximately %d %s, unless %d submissions accumulate first.",
		minutes, unit, s.opts.Visibility.BatchThreshold)
}
