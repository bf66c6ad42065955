package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// UpsertTenantParams describes one tenant record as read from
// companies/<tenant>.json by the TenantConfigReader. Checksum is the
// SHA-256 of the JSON file's bytes; when it matches the stored checksum
// UpsertTenant is a no-op that leaves version and updated_at untouched, so
// a file that hasn't changed doesn't bump the tenant's version on every
// sync tick.
type UpsertTenantParams struct {
	TenantKey   string
	DisplayName string
	Active      bool
	Config      map[string]interface{}
	Checksum    string
}

// UpsertTenant inserts or updates a tenant's core-owned mirror of its
// companies/*.json file. Returns the stored row and whether this call
// actually changed anything.
func (s *Store) UpsertTenant(ctx context.Context, p UpsertTenantParams) (*Tenant, bool, error) {
	configBlob, err := encodeMsgpack(p.Config)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode tenant config: %w", err)
	}

	var tenant *Tenant
	changed := false
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var existingChecksum string
		err := tx.QueryRowContext(ctx, `SELECT checksum FROM tenants WHERE tenant_key = ?`, p.TenantKey).Scan(&existingChecksum)
		switch {
		case err == sql.ErrNoRows:
			now := nowUnix()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tenants (tenant_key, display_name, active, config, checksum, version, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
				p.TenantKey, p.DisplayName, p.Active, configBlob, p.Checksum, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert tenant: %w", err)
			}
			changed = true
		case err != nil:
			return fmt.Errorf("failed to read existing tenant: %w", err)
		case existingChecksum != p.Checksum:
			_, err := tx.ExecContext(ctx, `
				UPDATE tenants
				SET display_name = ?, active = ?, config = ?, checksum = ?, version = version + 1, updated_at = ?
				WHERE tenant_key = ?`,
				p.DisplayName, p.Active, configBlob, p.Checksum, nowUnix(), p.TenantKey,
			)
			if err != nil {
				return fmt.Errorf("failed to update tenant: %w", err)
			}
			changed = true
		}

		row := tx.QueryRowContext(ctx, tenantSelectColumns+` WHERE tenant_key = ?`, p.TenantKey)
		tenant, err = scanTenant(row)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return tenant, changed, nil
}

// GetTenant fetches a tenant by key.
func (s *Store) GetTenant(ctx context.Context, tenantKey string) (*Tenant, error) {
	row := s.conn.QueryRowContext(ctx, tenantSelectColumns+` WHERE tenant_key = ?`, tenantKey)
	return scanTenant(row)
}

// ListTenants returns every tenant, active first then by key.
func (s *Store) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.conn.QueryContext(ctx, tenantSelectColumns+` ORDER BY active DESC, tenant_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating tenants: %w", err)
	}
	return out, nil
}

// ListActiveTenantKeys returns the tenant_key of every active tenant, used
// by the HTTP health endpoint to classify all tenants when none is named.
func (s *Store) ListActiveTenantKeys(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT tenant_key FROM tenants WHERE active = 1 ORDER BY tenant_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenant keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan tenant key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

const tenantSelectColumns = `
	SELECT tenant_key, display_name, active, config, checksum, version, created_at, updated_at
	FROM tenants`

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var configBlob []byte
	var createdAt, updatedAt int64

	err := row.Scan(&t.TenantKey, &t.DisplayName, &t.Active, &configBlob, &t.Checksum, &t.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	t.CreatedAt = unixTime(createdAt)
	t.UpdatedAt = unixTime(updatedAt)
	if len(configBlob) > 0 {
		if err := msgpack.Unmarshal(configBlob, &t.Config); err != nil {
			return nil, fmt.Errorf("failed to decode tenant config: %w", err)
		}
	}
	return &t, nil
}
