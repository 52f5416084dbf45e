package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"workpulse/internal/apperr"
	"workpulse/internal/store"
)

const sessionColumns = `id, company_name, username, machine_id, ip_address, system_name,
	punch_in_time, punch_out_time, break_start_time, break_end_time,
	break_duration_seconds, total_work_duration_seconds, created_at, updated_at`

// PostgresStore persists sessions in Postgres. The partial unique index
// attendance_sessions_one_open enforces one open session per identity, and
// every transition locks the open row for the length of one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.CompanyName, &s.Username, &s.MachineID, &s.IPAddress, &s.SystemName,
		&s.PunchInTime, &s.PunchOutTime, &s.BreakStartTime, &s.BreakEndTime,
		&s.BreakDurationSeconds, &s.TotalWorkDurationSeconds, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	// The driver hands back local time; sessions are kept in UTC.
	s.PunchInTime = s.PunchInTime.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	for _, p := range []*time.Time{s.PunchOutTime, s.BreakStartTime, s.BreakEndTime} {
		if p != nil {
			*p = p.UTC()
		}
	}
	return s, nil
}

// Create inserts a new open session.
func (r *PostgresStore) Create(ctx context.Context, s Session) (Session, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, s.ID, s.CompanyName, s.Username, s.MachineID, s.IPAddress, s.SystemName,
		s.PunchInTime, s.PunchOutTime, s.BreakStartTime, s.BreakEndTime,
		s.BreakDurationSeconds, s.TotalWorkDurationSeconds, s.CreatedAt, s.UpdatedAt)
	if store.IsUniqueViolation(err, store.UniqueOpenSession) {
		state := StateWorking
		if cur, oerr := r.Open(ctx, s.Identity); oerr == nil && cur != nil {
			state = cur.State()
		}
		return Session{}, apperr.Conflict(OpPunchIn, string(state), "an open session already exists")
	}
	if err != nil {
		return Session{}, xerrors.Errorf("insert session: %w", err)
	}
	return s, nil
}

// UpdateOpen locks the open row, applies fn and writes the result back in
// one transaction.
func (r *PostgresStore) UpdateOpen(ctx context.Context, id Identity, fn func(*Session) error) (Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, xerrors.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE company_name = $1 AND username = $2 AND punch_out_time IS NULL
		FOR UPDATE
	`, id.CompanyName, id.Username)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, apperr.NotFound("update_session", string(StateNoOpenSession), "no open session")
	}
	if err != nil {
		return Session{}, xerrors.Errorf("lock open session: %w", err)
	}

	if err := fn(&s); err != nil {
		return Session{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET punch_out_time = $2,
			break_start_time = $3,
			break_end_time = $4,
			break_duration_seconds = $5,
			total_work_duration_seconds = $6,
			updated_at = $7
		WHERE id = $1
	`, s.ID, s.PunchOutTime, s.BreakStartTime, s.BreakEndTime,
		s.BreakDurationSeconds, s.TotalWorkDurationSeconds, s.UpdatedAt)
	if store.IsCheckViolation(err) {
		return Session{}, apperr.InvalidState("update_session", string(s.State()), "session times out of order")
	}
	if err != nil {
		return Session{}, xerrors.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, xerrors.Errorf("commit session: %w", err)
	}
	return s, nil
}

// Open returns the open session for id, or nil.
func (r *PostgresStore) Open(ctx context.Context, id Identity) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE company_name = $1 AND username = $2 AND punch_out_time IS NULL
	`, id.CompanyName, id.Username)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("select open session: %w", err)
	}
	return &s, nil
}

// List returns sessions matching f, newest punch-in first.
func (r *PostgresStore) List(ctx context.Context, f Filter) ([]Session, error) {
	query, args := buildListQuery(f)
	return r.query(ctx, query, args...)
}

// ListOpen returns every open session of a company.
func (r *PostgresStore) ListOpen(ctx context.Context, companyName string) ([]Session, error) {
	return r.query(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE company_name = $1 AND punch_out_time IS NULL
		ORDER BY punch_in_time DESC, id
	`, companyName)
}

func (r *PostgresStore) query(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan session: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func buildListQuery(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.CompanyName != "" {
		add("company_name = $%d", f.CompanyName)
	}
	if f.Username != "" {
		add("username = $%d", f.Username)
	}
	if !f.From.IsZero() {
		add("punch_in_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("punch_in_time < $%d", f.To)
	}
	if f.ClosedOnly {
		clauses = append(clauses, "punch_out_time IS NOT NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY punch_in_time DESC, id"
	return query, args
}
