package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/pkc/keycodec"
	"github.com/collapsinghierarchy/veilbox/store"
)

// ReasonProofFailed is the only negative reason a caller ever sees, whatever
// part of the proof failed.
const (
	ReasonProofFailed = "proof failed"
	ReasonVerified    = "ownership verified"
)

var errStopScan = errors.New("stop scan")

func proofFailed() *model.VerificationResult {
	return &model.VerificationResult{Reason: ReasonProofFailed}
}

// VerifyByID checks privateKey against one named submission and attributes
// it to userID on success. Callers who never submitted cannot claim anything.
func (s *Service) VerifyByID(ctx context.Context, userID, responseID uuid.UUID, privateKey string) (*model.VerificationResult, error) {
	if strings.TrimSpace(privateKey) == "" {
		return nil, fmt.Errorf("%w: private key is required", ErrValidation)
	}
	has, err := s.submitted(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !has {
		return proofFailed(), nil
	}
	key, err := keycodec.NormalizeKey(privateKey)
	if err != nil {
		return proofFailed(), nil
	}

	sub, err := s.store.GetByID(ctx, responseID)
	if errors.Is(err, store.ErrNotFound) {
		return proofFailed(), nil
	}
	if err != nil {
		return nil, err
	}
	if sub.Verified || !s.proves(sub, key) {
		return proofFailed(), nil
	}
	return s.claim(ctx, sub, userID)
}

// VerifyByScan finds the caller's submission from the key alone. Unverified
// submissions are tried in creation order and the first match is claimed.
// The scan only visits records carrying the public half derived from the
// key; a key whose public half cannot be derived fails without scanning.
func (s *Service) VerifyByScan(ctx context.Context, userID uuid.UUID, privateKey string) (*model.VerificationResult, error) {
	if strings.TrimSpace(privateKey) == "" {
		return nil, fmt.Errorf("%w: private key is required", ErrValidation)
	}
	has, err := s.submitted(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !has {
		return proofFailed(), nil
	}
	key, err := keycodec.NormalizeKey(privateKey)
	if err != nil {
		return proofFailed(), nil
	}
	pub, err := s.codec.PublicKeyOf(key)
	if err != nil {
		return proofFailed(), nil
	}

	filter := store.Filter{Verified: store.Bool(false), Mode: s.opts.Mode, PublicKey: pub}

	var match *model.Submission
	err = s.store.StreamSubmissions(ctx, filter, store.SortIDAsc, func(sub *model.Submission) error {
		if s.proves(sub, key) {
			match = sub
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	if match == nil {
		return proofFailed(), nil
	}
	return s.claim(ctx, match, userID)
}

// submitted treats users unknown to the identity store as never having
// submitted.
func (s *Service) submitted(ctx context.Context, userID uuid.UUID) (bool, error) {
	has, err := s.identity.HasSubmitted(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return false, nil
	}
	return has, err
}

// claim performs the verified transition. Losing the race to another
// verifier is a failed proof even though the key was valid.
func (s *Service) claim(ctx context.Context, sub *model.Submission, userID uuid.UUID) (*model.VerificationResult, error) {
	ok, err := s.MarkVerified(ctx, sub.ID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return proofFailed(), nil
	}
	s.log.Info("ownership verified")
	return &model.VerificationResult{
		Verified:   true,
		Reason:     ReasonVerified,
		ResponseID: sub.ID,
		Content:    sub.Content,
	}, nil
}

// proves reports whether key unlocks sub under the deployment's sealing mode.
func (s *Service) proves(sub *model.Submission, key string) bool {
	if sub.Mode != s.opts.Mode {
		return false
	}
	switch sub.Mode {
	case model.SealingSigned:
		sig, err := s.codec.Sign([]byte(sub.Content), key)
		return err == nil && subtle.ConstantTimeCompare(sig, sub.Sealed) == 1
	case model.SealingEncrypted:
		pt, err := s.codec.Decrypt(sub.Sealed, key)
		return err == nil && subtle.ConstantTimeCompare(pt, []byte(sub.Content)) == 1
	default:
		return false
	}
}
