package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/store"
)

// -------- users / identity -------------------------------------------------

type pgIdentity struct{ db *pgxpool.Pool }

func NewIdentity(db *pgxpool.Pool) store.Identity { return &pgIdentity{db: db} }

func (p *pgIdentity) HasSubmitted(ctx context.Context, userID uuid.UUID) (bool, error) {
	var has bool
	err := p.db.QueryRow(ctx, `SELECT has_submitted FROM users WHERE id=$1`, userID).Scan(&has)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrUserNotFound
	}
	return has, classify(err)
}

func (p *pgIdentity) RecordSubmission(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
        UPDATE users
           SET has_submitted = TRUE,
               submission_count = submission_count + 1,
               last_submission_at = $2
         WHERE id = $1`, userID, at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

// ClaimSubmission is RecordSubmission guarded by has_submitted, so of two
// concurrent claims only one updates the row.
func (p *pgIdentity) ClaimSubmission(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, `
        UPDATE users
           SET has_submitted = TRUE,
               submission_count = submission_count + 1,
               last_submission_at = $2
         WHERE id = $1 AND has_submitted = FALSE`, userID, at)
	if err != nil {
		return false, classify(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.HasSubmitted(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *pgIdentity) ReleaseSubmission(ctx context.Context, userID uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `
        UPDATE users
           SET submission_count = GREATEST(submission_count - 1, 0),
               has_submitted = submission_count > 1
         WHERE id = $1`, userID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

func (p *pgIdentity) GetUser(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	u, err := scanUser(p.db.QueryRow(ctx,
		`SELECT id, email, is_admin, has_submitted, submission_count, last_submission_at
           FROM users WHERE id=$1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

func (p *pgIdentity) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, email, is_admin, has_submitted, submission_count, last_submission_at
           FROM users ORDER BY email ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, classify(rows.Err())
}

func (p *pgIdentity) EnsureUser(ctx context.Context, u *model.User) error {
	_, err := p.db.Exec(ctx, `
        INSERT INTO users (id, email, is_admin)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO NOTHING`, u.ID, u.Email, u.IsAdmin)
	return classify(err)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		last *time.Time
	)
	if err := row.Scan(&u.ID, &u.Email, &u.IsAdmin, &u.HasSubmitted, &u.SubmissionCount, &last); err != nil {
		return nil, err
	}
	if last != nil {
		u.LastSubmissionAt = *last
	}
	return &u, nil
}
