package store

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PortalSettings is the singleton row of operator-tunable overrides. Every
// field is a pointer: nil means "fall back to the environment/Config
// default," non-nil means an operator has pinned a value through the
// dashboard without restarting the process.
type PortalSettings struct {
	SchedulerPollSeconds     *int
	DashboardDefaultParallel *int
	DashboardDefaultStagger  *int
	BusinessCutoffHour       *int
	BusinessCutoffMinute     *int
}

// GetPortalSettings reads the raw settings row. Callers needing the TTL
// cache should go through a ConfigCache (internal/configcache) rather than
// calling this directly on every access.
func (s *Store) GetPortalSettings(ctx context.Context) (*PortalSettings, error) {
	var payload []byte
	err := s.conn.QueryRowContext(ctx, `SELECT payload FROM portal_settings WHERE id = 1`).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read portal settings: %w", err)
	}
	settings := &PortalSettings{}
	if len(payload) > 0 {
		if err := msgpack.Unmarshal(payload, settings); err != nil {
			return nil, fmt.Errorf("failed to decode portal settings: %w", err)
		}
	}
	return settings, nil
}

// PutPortalSettings overwrites the singleton settings row. The caller is
// responsible for invalidating any ConfigCache afterward.
func (s *Store) PutPortalSettings(ctx context.Context, settings *PortalSettings) error {
	payload, err := msgpack.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode portal settings: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `UPDATE portal_settings SET payload = ? WHERE id = 1`, payload)
	if err != nil {
		return fmt.Errorf("failed to write portal settings: %w", err)
	}
	return nil
}
