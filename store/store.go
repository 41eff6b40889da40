package store

import (
	"context"
	"errors"
	"time"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("submission not found")
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateKey reports an insert whose public key is already stored.
	ErrDuplicateKey = errors.New("public key already stored")
	// ErrTransient wraps failures that are worth retrying (connection
	// resets, timeouts).
	ErrTransient = errors.New("transient storage failure")
)

// Field names a mutable flag usable in a conditional update.
type Field string

const (
	FieldVisible  Field = "visible"
	FieldVerified Field = "verified"
)

// Condition is the prior state an update expects.
type Condition struct {
	Field Field
	Value bool
}

// Filter selects submissions; zero fields match everything.
type Filter struct {
	Visible   *bool
	Verified  *bool
	Mode      model.SealingMode
	PublicKey string
	// RevealDueBy matches rows whose reveal_at is set and <= the given time.
	RevealDueBy time.Time
	// HasRevealAt matches rows whose reveal_at is (true) or is not (false) set.
	HasRevealAt *bool
}

type Sort int

const (
	SortIDAsc Sort = iota
	SortIDDesc
	SortRevealAtAsc
)

// Patch lists the fields an update writes; nil fields are left untouched.
type Patch struct {
	Visible          *bool
	Verified         *bool
	AttributedUserID *uuid.UUID
	RevealAt         *time.Time
}

// Store is the submission DAL the core depends on.
type Store interface {
	// Insert persists s and returns its id. The id is time-ordered, so id
	// order is creation order.
	Insert(ctx context.Context, s *model.Submission) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	// Find returns at most limit matches; limit <= 0 means no limit.
	Find(ctx context.Context, f Filter, sort Sort, limit int) ([]*model.Submission, error)
	Count(ctx context.Context, f Filter) (int, error)
	// StreamSubmissions calls fn for every match in order and stops at the
	// first error fn returns.
	StreamSubmissions(ctx context.Context, f Filter, sort Sort, fn func(*model.Submission) error) error
	// UpdateIfState applies p only if the record's field still holds the
	// expected value. It reports whether the record changed; a missing
	// record is not an error.
	UpdateIfState(ctx context.Context, id uuid.UUID, expect Condition, p Patch) (bool, error)
}

// Identity is the slice of the user directory the core needs. Registration
// and credentials live elsewhere.
type Identity interface {
	HasSubmitted(ctx context.Context, userID uuid.UUID) (bool, error)
	// RecordSubmission sets the submitted flag and increments the counter.
	RecordSubmission(ctx context.Context, userID uuid.UUID, at time.Time) error
	// ClaimSubmission records a submission only if the user has none yet and
	// reports whether it did.
	ClaimSubmission(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error)
	// ReleaseSubmission undoes one recorded submission.
	ReleaseSubmission(ctx context.Context, userID uuid.UUID) error
	GetUser(ctx context.Context, userID uuid.UUID) (*model.User, error)
	ListUsers(ctx context.Context) ([]*model.User, error)
	// EnsureUser creates u if no user with its id exists.
	EnsureUser(ctx context.Context, u *model.User) error
}

func Bool(v bool) *bool { return &v }
