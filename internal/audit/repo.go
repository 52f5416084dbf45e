package audit

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Repository stores flags in Postgres for later review.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes one flag and returns its id.
func (r *Repository) Insert(ctx context.Context, f Flag) (uuid.UUID, error) {
	id := uuid.New()
	var ref any
	if !f.Reference.IsZero() {
		ref = f.Reference
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_flags (id, kind, op, company_name, subject, record_id, detail, reference_at, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, id, f.Kind, f.Op, f.CompanyName, f.Subject, f.RecordID, f.Detail, ref, f.ObservedAt)
	if err != nil {
		return uuid.Nil, xerrors.Errorf("insert audit flag: %w", err)
	}
	return id, nil
}

// Recent lists the latest flags of a company.
func (r *Repository) Recent(ctx context.Context, companyName string, limit int) ([]Flag, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, op, company_name, subject, record_id, detail, reference_at, observed_at
		FROM audit_flags
		WHERE company_name = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, companyName, limit)
	if err != nil {
		return nil, xerrors.Errorf("query audit flags: %w", err)
	}
	defer rows.Close()
	var out []Flag
	for rows.Next() {
		var (
			f   Flag
			ref sql.NullTime
		)
		if err := rows.Scan(&f.Kind, &f.Op, &f.CompanyName, &f.Subject, &f.RecordID, &f.Detail, &ref, &f.ObservedAt); err != nil {
			return nil, xerrors.Errorf("scan audit flag: %w", err)
		}
		if ref.Valid {
			f.Reference = ref.Time
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
