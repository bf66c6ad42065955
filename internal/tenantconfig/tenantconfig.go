// Package tenantconfig implements the core's read-only view of tenant
// records. Tenant creation and editing belongs to the (excluded) web UI,
// which writes one JSON file per tenant under the companies directory; this
// package's job is to notice when those files change and mirror them into
// the Store's tenants table so the rest of the core never touches the
// filesystem directly for tenant data.
package tenantconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

// Record is the on-disk shape of companies/<tenant_key>.json. Unknown keys
// are preserved in the Store's opaque config mapping but not modeled here;
// Reader only pulls out the fields other components need by name.
type Record struct {
	DisplayName       string          `json:"display_name"`
	Active            *bool           `json:"active"`
	CredentialEnv     []string        `json:"credential_env"`
	MetadataFilenames []string        `json:"metadata_filenames"`
	Flags             map[string]bool `json:"flags"`
	TokenFile         string          `json:"token_file"`
}

// Reader syncs companies/*.json files into the Store on demand.
type Reader struct {
	st           *store.Store
	companiesDir string
	log          zerolog.Logger
}

// New returns a Reader scanning companiesDir.
func New(st *store.Store, companiesDir string, log zerolog.Logger) *Reader {
	return &Reader{
		st:           st,
		companiesDir: companiesDir,
		log:          log.With().Str("component", "tenantconfig").Logger(),
	}
}

// SyncResult summarizes one Sync pass.
type SyncResult struct {
	Scanned int
	Changed int
	Errors  int
}

// Sync reads every companies/<tenant_key>.json file and upserts it into the
// Store. Files that fail to parse are skipped and counted, not fatal to the
// pass — a single corrupt tenant file must not block every other tenant's
// config from syncing.
func (r *Reader) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	entries, err := os.ReadDir(r.companiesDir)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to read companies directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		tenantKey := strings.TrimSuffix(entry.Name(), ".json")
		result.Scanned++

		path := filepath.Join(r.companiesDir, entry.Name())
		changed, err := r.syncOne(ctx, tenantKey, path)
		if err != nil {
			result.Errors++
			r.log.Warn().Err(err).Str("tenant_key", tenantKey).Msg("failed to sync tenant config")
			continue
		}
		if changed {
			result.Changed++
		}
	}
	return result, nil
}

func (r *Reader) syncOne(ctx context.Context, tenantKey, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read tenant file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return false, fmt.Errorf("failed to parse tenant file: %w", err)
	}
	var full map[string]interface{}
	if err := json.Unmarshal(raw, &full); err != nil {
		return false, fmt.Errorf("failed to parse tenant file as mapping: %w", err)
	}

	active := true
	if record.Active != nil {
		active = *record.Active
	}

	sum := sha256.Sum256(raw)
	_, changed, err := r.st.UpsertTenant(ctx, store.UpsertTenantParams{
		TenantKey:   tenantKey,
		DisplayName: firstNonEmpty(record.DisplayName, tenantKey),
		Active:      active,
		Config:      full,
		Checksum:    hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return changed, nil
}

// Get returns one tenant's parsed Record by reading its config mapping back
// out of the Store (not the filesystem), so callers see whatever was last
// synced rather than racing a concurrent file write.
func (r *Reader) Get(ctx context.Context, tenantKey string) (*Record, error) {
	tenant, err := r.st.GetTenant(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tenant.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode tenant config: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode tenant config: %w", err)
	}
	if record.Active == nil {
		active := tenant.Active
		record.Active = &active
	}
	if record.DisplayName == "" {
		record.DisplayName = tenant.DisplayName
	}
	return &record, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
