package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id                 UUID PRIMARY KEY,
	content            TEXT NOT NULL,
	sealed             BYTEA NOT NULL,
	public_key         TEXT NOT NULL,
	mode               TEXT NOT NULL,
	verified           BOOLEAN NOT NULL DEFAULT FALSE,
	visible            BOOLEAN NOT NULL DEFAULT FALSE,
	attributed_user_id UUID,
	reveal_at          TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT attribution_requires_verified CHECK (attributed_user_id IS NULL OR verified),
	CONSTRAINT verified_requires_visible CHECK (NOT verified OR visible)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_public_key ON submissions(public_key);
CREATE INDEX IF NOT EXISTS idx_submissions_hidden ON submissions(id) WHERE NOT visible;
CREATE INDEX IF NOT EXISTS idx_submissions_reveal_due ON submissions(reveal_at) WHERE NOT visible;
CREATE INDEX IF NOT EXISTS idx_submissions_unverified ON submissions(id) WHERE NOT verified;

CREATE TABLE IF NOT EXISTS users (
	id                 UUID PRIMARY KEY,
	email              TEXT NOT NULL DEFAULT '',
	is_admin           BOOLEAN NOT NULL DEFAULT FALSE,
	has_submitted      BOOLEAN NOT NULL DEFAULT FALSE,
	submission_count   INTEGER NOT NULL DEFAULT 0,
	last_submission_at TIMESTAMPTZ
);
`

const submissionColumns = `id, content, sealed, public_key, mode, verified, visible, attributed_user_id, reveal_at, created_at`

type pgStore struct{ db *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) store.Store { return &pgStore{db: db} }

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}

// -------- submissions ------------------------------------------------------

func (p *pgStore) Insert(ctx context.Context, s *model.Submission) (uuid.UUID, error) {
	id := s.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return uuid.Nil, err
		}
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO submissions (id, content, sealed, public_key, mode, verified, visible, reveal_at, created_at)
         VALUES ($1,$2,$3,$4,$5,FALSE,FALSE,$6,$7)`,
		id, s.Content, s.Sealed, s.PublicKey, string(s.Mode), nullTime(s.RevealAt), createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, store.ErrDuplicateKey
		}
		return uuid.Nil, classify(err)
	}
	return id, nil
}

func (p *pgStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	row := p.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

func (p *pgStore) Find(ctx context.Context, f store.Filter, sort store.Sort, limit int) ([]*model.Submission, error) {
	var out []*model.Submission
	err := p.stream(ctx, f, sort, limit, func(s *model.Submission) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

func (p *pgStore) Count(ctx context.Context, f store.Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM submissions`+where, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (p *pgStore) StreamSubmissions(
	ctx context.Context, f store.Filter, sort store.Sort,
	fn func(*model.Submission) error,
) error {
	return p.stream(ctx, f, sort, 0, fn)
}

func (p *pgStore) stream(ctx context.Context, f store.Filter, sort store.Sort, limit int, fn func(*model.Submission) error) error {
	where, args := buildWhere(f)
	q := `SELECT ` + submissionColumns + ` FROM submissions` + where + orderBy(sort)
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return classify(err)
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return classify(rows.Err())
}

func (p *pgStore) UpdateIfState(ctx context.Context, id uuid.UUID, expect store.Condition, patch store.Patch) (bool, error) {
	column, ok := conditionColumns[expect.Field]
	if !ok {
		return false, fmt.Errorf("unknown condition field %q", expect.Field)
	}
	args := []any{id, expect.Value}
	var sets []string
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Visible != nil {
		set("visible", *patch.Visible)
	}
	if patch.Verified != nil {
		set("verified", *patch.Verified)
	}
	if patch.AttributedUserID != nil {
		set("attributed_user_id", *patch.AttributedUserID)
	}
	if patch.RevealAt != nil {
		set("reveal_at", *patch.RevealAt)
	}
	if len(sets) == 0 {
		return false, nil
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE submissions SET `+strings.Join(sets, ", ")+` WHERE id=$1 AND `+column+`=$2`, args...)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

var conditionColumns = map[store.Field]string{
	store.FieldVisible:  "visible",
	store.FieldVerified: "verified",
}

func buildWhere(f store.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.Visible != nil {
		add("visible=$%d", *f.Visible)
	}
	if f.Verified != nil {
		add("verified=$%d", *f.Verified)
	}
	if f.Mode != "" {
		add("mode=$%d", string(f.Mode))
	}
	if f.PublicKey != "" {
		add("public_key=$%d", f.PublicKey)
	}
	if f.HasRevealAt != nil {
		if *f.HasRevealAt {
			conds = append(conds, "reveal_at IS NOT NULL")
		} else {
			conds = append(conds, "reveal_at IS NULL")
		}
	}
	if !f.RevealDueBy.IsZero() {
		add("reveal_at <= $%d", f.RevealDueBy)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(s store.Sort) string {
	switch s {
	case store.SortIDDesc:
		return " ORDER BY id DESC"
	case store.SortRevealAtAsc:
		return " ORDER BY reveal_at ASC NULLS LAST, id ASC"
	default:
		return " ORDER BY id ASC"
	}
}

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	var (
		s        model.Submission
		mode     string
		revealAt *time.Time
	)
	if err := row.Scan(&s.ID, &s.Content, &s.Sealed, &s.PublicKey, &mode,
		&s.Verified, &s.Visible, &s.AttributedUserID, &revealAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Mode = model.SealingMode(mode)
	if revealAt != nil {
		s.RevealAt = *revealAt
	}
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// classify marks errors a caller may retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}
