package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quistapp/keygate/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotHWIDLocked = errors.New("key is not hwid locked")
	ErrCodeCollision = errors.New("key code collision retries exhausted")
	ErrInvalidIssue  = errors.New("invalid issue input")
)

const defaultMaxAttempts = 10

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type IssueInput struct {
	Count        int
	DurationDays int
	Label        string
	// NextCode produces a fresh candidate code; it is called again after a collision.
	NextCode    func() (string, error)
	MaxAttempts int
}

type UsageInput struct {
	LicenseID  int64
	HWID       string
	IP         string
	Outcome    string
	ObservedAt time.Time
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const licenseColumns = `id, key_code, label, duration_days, hwid, activated_at, expires_at, created_at, is_active, is_banned`

func scanLicense(row pgx.Row) (*model.License, error) {
	var out model.License
	if err := row.Scan(
		&out.ID, &out.Code, &out.Label, &out.DurationDays, &out.HWID, &out.ActivatedAt, &out.ExpiresAt,
		&out.CreatedAt, &out.Active, &out.Banned,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetLicenseByCode(ctx context.Context, code string) (*model.License, error) {
	q := `select ` + licenseColumns + ` from license_keys where key_code = $1`
	lic, err := scanLicense(s.db.QueryRow(ctx, q, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return lic, nil
}

func (s *Store) ListLicenses(ctx context.Context) ([]model.License, error) {
	q := `select ` + licenseColumns + ` from license_keys order by created_at desc, id desc`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.License, 0)
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lic)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IssueLicenses inserts Count new keys in one transaction. A code that already exists is
// regenerated; if MaxAttempts candidates in a row collide the whole batch is rolled back.
func (s *Store) IssueLicenses(ctx context.Context, in IssueInput) ([]string, error) {
	if in.Count <= 0 || in.NextCode == nil {
		return nil, ErrInvalidIssue
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const q = `
insert into license_keys (key_code, duration_days, label)
values ($1, $2, $3)
on conflict (key_code) do nothing
returning id`
	codes := make([]string, 0, in.Count)
	for i := 0; i < in.Count; i++ {
		inserted := false
		for attempt := 0; attempt < maxAttempts; attempt++ {
			code, err := in.NextCode()
			if err != nil {
				return nil, fmt.Errorf("generate key code: %w", err)
			}
			var id int64
			err = tx.QueryRow(ctx, q, code, in.DurationDays, in.Label).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, err
			}
			codes = append(codes, code)
			inserted = true
			break
		}
		if !inserted {
			return nil, ErrCodeCollision
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return codes, nil
}

// ActivateLicense binds hwid and stamps activation/expiry only if the key is still unused.
// It reports false when another caller claimed the key first.
func (s *Store) ActivateLicense(ctx context.Context, id int64, hwid string, activatedAt, expiresAt time.Time) (bool, error) {
	const q = `
update license_keys
set hwid = $2, activated_at = $3, expires_at = $4
where id = $1 and activated_at is null`
	tag, err := s.db.Exec(ctx, q, id, hwid, activatedAt, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ResetLicense(ctx context.Context, id int64) error {
	const q = `update license_keys set hwid = null, activated_at = null, expires_at = null where id = $1`
	tag, err := s.db.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetLicenseByCode only resets keys that are currently bound to a hwid.
func (s *Store) ResetLicenseByCode(ctx context.Context, code string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id int64
	var hwid *string
	err = tx.QueryRow(ctx, `select id, hwid from license_keys where key_code = $1 for update`, code).Scan(&id, &hwid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if hwid == nil {
		return ErrNotHWIDLocked
	}
	if _, err := tx.Exec(ctx, `update license_keys set hwid = null, activated_at = null, expires_at = null where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ToggleBan(ctx context.Context, id int64) (bool, error) {
	var banned bool
	err := s.db.QueryRow(ctx, `update license_keys set is_banned = not is_banned where id = $1 returning is_banned`, id).Scan(&banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return banned, nil
}

func (s *Store) SetActive(ctx context.Context, id int64, active bool) (bool, error) {
	var out bool
	err := s.db.QueryRow(ctx, `update license_keys set is_active = $2 where id = $1 returning is_active`, id, active).Scan(&out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return out, nil
}

// DeleteLicense removes a key together with its settings blob and usage history.
func (s *Store) DeleteLicense(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var code string
	if err := tx.QueryRow(ctx, `select key_code from license_keys where id = $1 for update`, id).Scan(&code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.Exec(ctx, `delete from user_configs where key_code = $1`, code); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `delete from license_usage where license_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `delete from license_keys where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordUsage(ctx context.Context, in UsageInput) error {
	const q = `
insert into license_usage (license_id, hwid, ip, outcome, observed_at)
values ($1, $2, $3, $4, $5)`
	_, err := s.db.Exec(ctx, q, in.LicenseID, in.HWID, in.IP, in.Outcome, in.ObservedAt)
	return err
}

func (s *Store) ListUsage(ctx context.Context, limit int) ([]model.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
select u.id, u.license_id, k.key_code, u.hwid, u.ip, u.outcome, u.observed_at
from license_usage u
join license_keys k on k.id = u.license_id
order by u.observed_at desc, u.id desc
limit $1`
	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.UsageEntry, 0)
	for rows.Next() {
		var e model.UsageEntry
		if err := rows.Scan(&e.ID, &e.LicenseID, &e.Code, &e.HWID, &e.IP, &e.Outcome, &e.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PurgeUsage(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from license_usage`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from license_usage where observed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetStats(ctx context.Context) (*model.Stats, error) {
	const q = `
select
  (select count(*) from license_keys),
  (select count(*) from license_keys where hwid is not null and expires_at > now() and is_active and not is_banned),
  (select count(*) from license_keys where is_banned),
  (select count(*) from license_usage where observed_at > now() - interval '24 hours')`
	var out model.Stats
	if err := s.db.QueryRow(ctx, q).Scan(&out.TotalKeys, &out.ActiveKeys, &out.BannedKeys, &out.ValidationsDay); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetUserConfig(ctx context.Context, code string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `select config_json from user_configs where key_code = $1`, code).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return json.RawMessage(`{}`), nil
		}
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (s *Store) PutUserConfig(ctx context.Context, code string, cfg json.RawMessage) error {
	const q = `
insert into user_configs (key_code, config_json, updated_at)
values ($1, $2, now())
on conflict (key_code)
do update set config_json = excluded.config_json, updated_at = now()`
	_, err := s.db.Exec(ctx, q, code, []byte(cfg))
	return err
}

// SeedAdmin replaces the stored administrative account with the configured one.
func (s *Store) SeedAdmin(ctx context.Context, username, passwordHash string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `delete from admin_users`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `insert into admin_users (username, password_hash) values ($1, $2)`, username, passwordHash); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*model.AdminUser, error) {
	var out model.AdminUser
	err := s.db.QueryRow(ctx, `select id, username, password_hash, created_at from admin_users where username = $1`, username).
		Scan(&out.ID, &out.Username, &out.PasswordHash, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) UpdateAdminPassword(ctx context.Context, id int64, passwordHash string) error {
	tag, err := s.db.Exec(ctx, `update admin_users set password_hash = $2 where id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
