package model

import (
	"time"

	"github.com/google/uuid"
)

// SealingMode selects how a submission's content is bound to its one-time key.
// A deployment uses exactly one mode.
type SealingMode string

const (
	// SealingSigned stores an RSA signature over the content; ownership is
	// proven by re-deriving the same signature with the private key.
	SealingSigned SealingMode = "signed"
	// SealingEncrypted stores the content encrypted to the submission's public
	// key; ownership is proven by decrypting it back to the stored plaintext.
	SealingEncrypted SealingMode = "encrypted"
)

func (m SealingMode) Valid() bool {
	return m == SealingSigned || m == SealingEncrypted
}

// State is the visibility state derived from the submission's flags.
type State string

const (
	StateHidden   State = "hidden"
	StateVisible  State = "visible"
	StateVerified State = "verified"
)

type Submission struct {
	ID        uuid.UUID
	Content   string
	Sealed    []byte
	PublicKey string
	Mode      SealingMode
	Verified  bool
	Visible   bool
	// AttributedUserID is only valid once Verified is set.
	AttributedUserID uuid.NullUUID
	// RevealAt is the persisted due time of the deferred reveal; zero when
	// none was recorded.
	RevealAt  time.Time
	CreatedAt time.Time
}

func (s *Submission) State() State {
	switch {
	case s.Verified:
		return StateVerified
	case s.Visible:
		return StateVisible
	default:
		return StateHidden
	}
}

// User is the slice of the identity collaborator's record the core reads.
type User struct {
	ID               uuid.UUID
	Email            string
	IsAdmin          bool
	HasSubmitted     bool
	SubmissionCount  int
	LastSubmissionAt time.Time
}

// VerificationResult is the outcome of an ownership proof. A failed proof is
// a normal result, never an error.
type VerificationResult struct {
	Verified   bool
	Reason     string
	ResponseID uuid.UUID
	Content    string
}

// VisibleSubmission is what the reviewing party sees.
type VisibleSubmission struct {
	ID               uuid.UUID
	Content          string
	PublicKey        string
	Sealed           []byte
	Verified         bool
	AttributedUserID uuid.NullUUID
	AttributedEmail  string
}
