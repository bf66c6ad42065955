// Package credential implements the CredentialProbe that tells
// HealthClassifier whether a tenant's pipeline credentials are usable.
package credential

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/opsportal/orchestrator/internal/tenantconfig"
)

// Level is the credential freshness state HealthClassifier consumes.
type Level string

const (
	LevelMissing         Level = "missing"
	LevelRefreshExpired  Level = "refresh_expired"
	LevelRefreshExpiring Level = "refresh_expiring"
	LevelConnected       Level = "connected"
)

// Result is the outcome of probing one tenant's credentials.
type Result struct {
	Level         Level
	ExpiringDays  int // meaningful only when Level == LevelRefreshExpiring
	MissingEnvKey string
}

// tokenFile is the on-disk shape of a tenant's token_file, the refresh
// token metadata the excluded OAuth flow writes after each token refresh.
type tokenFile struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// expiringSoonWindow is how many days out from expiry a still-valid token
// is reported as "expiring soon" rather than "connected."
const expiringSoonWindow = 7 * 24 * time.Hour

// Probe checks a tenant's required credential environment keys and, when
// present, its OAuth refresh token expiry.
type Probe struct {
	reader *tenantconfig.Reader
	now    func() time.Time
}

// New returns a Probe reading tenant records through reader.
func New(reader *tenantconfig.Reader) *Probe {
	return &Probe{reader: reader, now: time.Now}
}

// Check returns the credential freshness for one tenant.
func (p *Probe) Check(ctx context.Context, tenantKey string) (Result, error) {
	record, err := p.reader.Get(ctx, tenantKey)
	if err != nil {
		return Result{}, err
	}

	for _, key := range record.CredentialEnv {
		if os.Getenv(key) == "" {
			return Result{Level: LevelMissing, MissingEnvKey: key}, nil
		}
	}

	if record.TokenFile == "" {
		return Result{Level: LevelConnected}, nil
	}

	raw, err := os.ReadFile(record.TokenFile)
	if os.IsNotExist(err) {
		return Result{Level: LevelMissing, MissingEnvKey: record.TokenFile}, nil
	}
	if err != nil {
		return Result{}, err
	}

	var tok tokenFile
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Result{}, err
	}

	now := p.now()
	if tok.ExpiresAt.Before(now) {
		return Result{Level: LevelRefreshExpired}, nil
	}
	if tok.ExpiresAt.Before(now.Add(expiringSoonWindow)) {
		days := int(tok.ExpiresAt.Sub(now).Hours() / 24)
		if days < 0 {
			days = 0
		}
		return Result{Level: LevelRefreshExpiring, ExpiringDays: days}, nil
	}
	return Result{Level: LevelConnected}, nil
}
