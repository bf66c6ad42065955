// Package health implements the HealthClassifier: a pure decision table
// turning a tenant's latest job, latest artifact, tenant config, and
// credential freshness into one health verdict for the dashboard.
package health

import (
	"context"
	"fmt"

	"github.com/opsportal/orchestrator/internal/credential"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/opsportal/orchestrator/internal/tenantconfig"
)

// Level is the overall health verdict for one tenant.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelUnknown  Level = "unknown"
)

// RunActivity mirrors the tenant's most recent job's lifecycle bucket,
// independent of Level.
type RunActivity string

const (
	ActivityIdle      RunActivity = "idle"
	ActivityRunning   RunActivity = "running"
	ActivityQueued    RunActivity = "queued"
	ActivityCancelled RunActivity = "cancelled"
)

// Reason codes, in the priority order the decision table evaluates them.
const (
	ReasonConfigMissing  = "EPOS_CONFIG_MISSING"
	ReasonTokenCritical  = "TOKEN_CRITICAL"
	ReasonRunFailed      = "LATEST_RUN_FAILED"
	ReasonUploadFailure  = "UPLOAD_FAILURE"
	ReasonTokenExpiring  = "TOKEN_EXPIRING_SOON"
	ReasonNoArtifact     = "NO_ARTIFACT_METADATA"
	ReasonReconMismatch  = "RECON_MISMATCH"
)

// reconMismatchThreshold is the |difference| above which a reconcile
// mismatch is reported; smaller discrepancies are treated as rounding
// noise rather than a genuine recon failure.
const reconMismatchThreshold = 1.0

// Result is one tenant's classification.
type Result struct {
	Level       Level
	ReasonCodes []string
	RunActivity RunActivity
}

// Classifier evaluates the decision table for a tenant.
type Classifier struct {
	st       *store.Store
	tenants  *tenantconfig.Reader
	probe    *credential.Probe
}

// New returns a Classifier wired to its three data sources.
func New(st *store.Store, tenants *tenantconfig.Reader, probe *credential.Probe) *Classifier {
	return &Classifier{st: st, tenants: tenants, probe: probe}
}

// Classify evaluates the rule table in order for one tenant; the first
// matching rule wins.
func (c *Classifier) Classify(ctx context.Context, tenantKey string) (Result, error) {
	record, err := c.tenants.Get(ctx, tenantKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read tenant config: %w", err)
	}

	jobs, err := c.st.ListRecentJobsForTenant(ctx, tenantKey, 1)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	var latestJob *store.Job
	if len(jobs) > 0 {
		latestJob = jobs[0]
	}

	artifacts, err := c.st.ListArtifactsForTenant(ctx, tenantKey, 1)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list recent artifacts: %w", err)
	}
	var latestArtifact *store.Artifact
	if len(artifacts) > 0 {
		latestArtifact = artifacts[0]
	}

	credResult, err := c.probe.Check(ctx, tenantKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check credentials: %w", err)
	}

	activity := runActivity(latestJob)

	// Rule 1: tenant config itself never declared the credential env keys
	// it needs, independent of whether any are currently set.
	if len(record.CredentialEnv) == 0 {
		return Result{Level: LevelWarning, ReasonCodes: []string{ReasonConfigMissing}, RunActivity: activity}, nil
	}

	// Rule 2: credential probe reports the tenant cannot authenticate at all.
	if credResult.Level == credential.LevelMissing || credResult.Level == credential.LevelRefreshExpired {
		return Result{Level: LevelCritical, ReasonCodes: []string{ReasonTokenCritical}, RunActivity: activity}, nil
	}

	// Rule 3: the latest run outright failed.
	if latestJob != nil && latestJob.Status == store.JobFailed {
		return Result{Level: LevelCritical, ReasonCodes: []string{ReasonRunFailed}, RunActivity: activity}, nil
	}

	// Rule 4: the latest artifact recorded upload failures.
	if latestArtifact != nil && uploadFailed(latestArtifact) {
		return Result{Level: LevelCritical, ReasonCodes: []string{ReasonUploadFailure}, RunActivity: activity}, nil
	}

	// Rule 5: credentials are still valid but expiring soon.
	if credResult.Level == credential.LevelRefreshExpiring {
		return Result{Level: LevelWarning, ReasonCodes: []string{ReasonTokenExpiring}, RunActivity: activity}, nil
	}

	// Rule 6: no artifact has ever been ingested for this tenant.
	if latestArtifact == nil {
		return Result{Level: LevelUnknown, ReasonCodes: []string{ReasonNoArtifact}, RunActivity: activity}, nil
	}

	// Rule 7: the latest artifact's reconcile block shows a material mismatch.
	if latestArtifact.ReconDifference != nil {
		diff := *latestArtifact.ReconDifference
		if diff < 0 {
			diff = -diff
		}
		if diff > reconMismatchThreshold {
			return Result{Level: LevelWarning, ReasonCodes: []string{ReasonReconMismatch}, RunActivity: activity}, nil
		}
	}

	// Rule 8: otherwise, healthy.
	return Result{Level: LevelHealthy, RunActivity: activity}, nil
}

func runActivity(job *store.Job) RunActivity {
	if job == nil {
		return ActivityIdle
	}
	switch job.Status {
	case store.JobRunning:
		return ActivityRunning
	case store.JobQueued:
		return ActivityQueued
	case store.JobCancelled:
		return ActivityCancelled
	default:
		return ActivityIdle
	}
}

func uploadFailed(a *store.Artifact) bool {
	raw, ok := a.UploadStats["failed"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case float64:
		return v > 0
	case int64:
		return v > 0
	case int:
		return v > 0
	case uint64:
		return v > 0
	default:
		return false
	}
}
