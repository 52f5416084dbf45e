package presence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/xerrors"
)

const deviceColumns = `company_name, employee_id, machine_id, display_name, ip_address, os_version,
	machine_name, app_version, department, first_connected, last_heartbeat`

// PostgresStore persists devices in Postgres. Online status is never written.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func scanDevice(row interface{ Scan(...any) error }) (Device, error) {
	var d Device
	err := row.Scan(&d.CompanyName, &d.EmployeeID, &d.MachineID, &d.DisplayName, &d.IPAddress, &d.OSVersion,
		&d.MachineName, &d.AppVersion, &d.Department, &d.FirstConnected, &d.LastHeartbeat)
	d.FirstConnected = d.FirstConnected.UTC()
	d.LastHeartbeat = d.LastHeartbeat.UTC()
	return d, err
}

// Upsert inserts the device on first sight and otherwise overwrites the
// snapshot and heartbeat while keeping first_connected.
func (r *PostgresStore) Upsert(ctx context.Context, id Identity, snap Snapshot, now time.Time) (Device, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO device_presence (`+deviceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (company_name, employee_id, machine_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			ip_address = EXCLUDED.ip_address,
			os_version = EXCLUDED.os_version,
			machine_name = EXCLUDED.machine_name,
			app_version = EXCLUDED.app_version,
			department = EXCLUDED.department,
			last_heartbeat = GREATEST(EXCLUDED.last_heartbeat, device_presence.first_connected)
		RETURNING `+deviceColumns,
		id.CompanyName, id.EmployeeID, id.MachineID, snap.DisplayName, snap.IPAddress, snap.OSVersion,
		snap.MachineName, snap.AppVersion, snap.Department, now)
	d, err := scanDevice(row)
	if err != nil {
		return Device{}, xerrors.Errorf("upsert device: %w", err)
	}
	return d, nil
}

// Get returns one device or nil.
func (r *PostgresStore) Get(ctx context.Context, id Identity) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		FROM device_presence
		WHERE company_name = $1 AND employee_id = $2 AND machine_id = $3
	`, id.CompanyName, id.EmployeeID, id.MachineID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("select device: %w", err)
	}
	return &d, nil
}

// List returns a company's devices, most recent heartbeat first.
func (r *PostgresStore) List(ctx context.Context, companyName string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM device_presence
		WHERE company_name = $1
		ORDER BY last_heartbeat DESC, employee_id, machine_id
	`, companyName)
	if err != nil {
		return nil, xerrors.Errorf("query devices: %w", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
