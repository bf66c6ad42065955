// Package artifact implements the ArtifactIngester: parsing pipeline
// metadata files into canonical Artifact rows, deduplicating repeat
// ingests of the same physical file, and linking artifacts to the jobs
// that (directly or after the fact) produced them.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

// nearestLogWindow bounds how far a log file's mtime may be from a
// metadata file's processed_at timestamp and still be considered its
// companion log.
const nearestLogWindow = 12 * time.Hour

// nearestLogScanBytes caps how much of a candidate log file is read when
// checking whether it mentions the tenant key.
const nearestLogScanBytes = 50 * 1024

// metadataFields is the on-disk shape of a pipeline metadata JSON file.
type metadataFields struct {
	TenantKey      string                 `json:"tenant_key"`
	TargetDate     string                 `json:"target_date"`
	ProcessedAt    *time.Time             `json:"processed_at"`
	RowsTotal      *int                   `json:"rows_total"`
	RowsKept       *int                   `json:"rows_kept"`
	RowsNonTarget  *int                   `json:"rows_non_target"`
	UploadStats    map[string]interface{} `json:"upload_stats"`
	Reconcile      *reconcileFields       `json:"reconcile"`
	RawFile        string                 `json:"raw_file"`
	ProcessedFiles []string               `json:"processed_files"`
}

type reconcileFields struct {
	Status     string   `json:"status"`
	Difference *float64 `json:"difference"`
	EposTotal  *float64 `json:"epos_total"`
	QBOTotal   *float64 `json:"qbo_total"`
	EposCount  *int     `json:"epos_count"`
	QBOCount   *int     `json:"qbo_count"`
}

// ParsedArtifact is the result of successfully parsing one metadata file.
type ParsedArtifact struct {
	Params         store.IngestArtifactParams
	NearestLogFile string
}

// Ingester parses metadata files and upserts them into the Store.
type Ingester struct {
	st         *store.Store
	runLogsDir string
	log        zerolog.Logger
}

// New returns an Ingester that resolves nearest_log_file against runLogsDir.
func New(st *store.Store, runLogsDir string, log zerolog.Logger) *Ingester {
	return &Ingester{
		st:         st,
		runLogsDir: runLogsDir,
		log:        log.With().Str("component", "artifact_ingester").Logger(),
	}
}

// Parse reads and validates one metadata file. A malformed file, or one
// missing a non-empty tenant_key, returns (nil, nil): the caller should
// log and skip rather than treat this as fatal.
func (ing *Ingester) Parse(path string) (*ParsedArtifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	raw, err := io.ReadAll(io.TeeReader(file, hasher))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	var fields metadataFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil
	}
	if strings.TrimSpace(fields.TenantKey) == "" {
		return nil, nil
	}

	sourceHash := hex.EncodeToString(hasher.Sum(nil))

	var processedAtUnix *int64
	if fields.ProcessedAt != nil {
		v := fields.ProcessedAt.UTC().Unix()
		processedAtUnix = &v
	}

	reliability := inferReliability(filepath.Base(path))

	params := store.IngestArtifactParams{
		TenantKey:      fields.TenantKey,
		TargetDate:     fields.TargetDate,
		ProcessedAt:    processedAtUnix,
		SourcePath:     path,
		SourceHash:     sourceHash,
		Reliability:    reliability,
		RowsTotal:      fields.RowsTotal,
		RowsKept:       fields.RowsKept,
		RowsNonTarget:  fields.RowsNonTarget,
		UploadStats:    fields.UploadStats,
		RawFile:        fields.RawFile,
		ProcessedFiles: fields.ProcessedFiles,
	}
	if fields.Reconcile != nil {
		params.ReconStatus = fields.Reconcile.Status
		params.ReconDifference = fields.Reconcile.Difference
		params.EposTotal = fields.Reconcile.EposTotal
		params.QBOTotal = fields.Reconcile.QBOTotal
		params.EposCount = fields.Reconcile.EposCount
		params.QBOCount = fields.Reconcile.QBOCount
	}

	var processedAt time.Time
	if fields.ProcessedAt != nil {
		processedAt = *fields.ProcessedAt
	} else {
		processedAt = time.Now()
	}
	params.NearestLogFile = ing.findNearestLogFile(fields.TenantKey, processedAt)

	return &ParsedArtifact{Params: params, NearestLogFile: params.NearestLogFile}, nil
}

// inferReliability implements §3's rule: "last_*" rolling metadata files
// are a weaker signal than dated snapshots.
func inferReliability(filename string) store.Reliability {
	if strings.HasPrefix(filename, "last_") {
		return store.ReliabilityWarning
	}
	return store.ReliabilityHigh
}

func (ing *Ingester) findNearestLogFile(tenantKey string, processedAt time.Time) string {
	entries, err := os.ReadDir(ing.runLogsDir)
	if err != nil {
		return ""
	}

	type candidate struct {
		path     string
		mentions bool
		delta    time.Duration
	}
	var candidates []candidate

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		delta := processedAt.Sub(info.ModTime())
		if delta < 0 {
			delta = -delta
		}
		if delta > nearestLogWindow {
			continue
		}
		path := filepath.Join(ing.runLogsDir, entry.Name())
		candidates = append(candidates, candidate{
			path:     path,
			mentions: logMentionsTenant(path, tenantKey),
			delta:    delta,
		})
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mentions != candidates[j].mentions {
			return candidates[i].mentions
		}
		return candidates[i].delta < candidates[j].delta
	})
	return candidates[0].path
}

func logMentionsTenant(path, tenantKey string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()
	buf := make([]byte, nearestLogScanBytes)
	n, _ := file.Read(buf)
	return strings.Contains(string(buf[:n]), tenantKey)
}

// Ingest parses and upserts one metadata file, merging monotonic fields
// forward from the most recent artifact already on record for the same
// tenant/date so a later, less complete file never regresses reliability
// or clobbers a previously-captured reconcile block with nulls.
func (ing *Ingester) Ingest(ctx context.Context, path string, jobID string) (*store.Artifact, bool, error) {
	parsed, err := ing.Parse(path)
	if err != nil {
		return nil, false, err
	}
	if parsed == nil {
		return nil, false, nil
	}

	params := parsed.Params
	if jobID != "" {
		params.RunJob = jobID
	}

	if previous, err := ing.latestForTenantDate(ctx, params.TenantKey, params.TargetDate); err == nil && previous != nil {
		mergeMonotonic(&params, previous)
	}

	art, created, err := ing.st.IngestArtifact(ctx, params)
	if err != nil {
		return nil, false, err
	}
	return art, created, nil
}

func (ing *Ingester) latestForTenantDate(ctx context.Context, tenantKey, targetDate string) (*store.Artifact, error) {
	history, err := ing.st.ListArtifactsForTenant(ctx, tenantKey, 20)
	if err != nil {
		return nil, err
	}
	for _, a := range history {
		if a.TargetDate == targetDate {
			return a, nil
		}
	}
	return nil, nil
}

func mergeMonotonic(params *store.IngestArtifactParams, previous *store.Artifact) {
	if params.RunJob == "" {
		params.RunJob = previous.RunJob
	}
	if params.SourcePath == "" {
		params.SourcePath = previous.SourcePath
	}
	if reliabilityRank(previous.Reliability) > reliabilityRank(params.Reliability) {
		params.Reliability = previous.Reliability
	}
	if params.ReconStatus == "" {
		params.ReconStatus = previous.ReconStatus
		params.ReconDifference = previous.ReconDifference
		params.EposTotal = previous.EposTotal
		params.QBOTotal = previous.QBOTotal
		params.EposCount = previous.EposCount
		params.QBOCount = previous.QBOCount
	}
}

func reliabilityRank(r store.Reliability) int {
	if r == store.ReliabilityHigh {
		return 2
	}
	return 1
}

// IngestHistory scans uploadedDir for files matching "last_*_transform.json"
// modified within the last `days` days and ingests each.
func (ing *Ingester) IngestHistory(ctx context.Context, uploadedDir string, days int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	count := 0

	err := filepath.WalkDir(uploadedDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort scan; skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "last_") || !strings.HasSuffix(name, "_transform.json") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			return nil
		}
		if _, _, err := ing.Ingest(ctx, path, ""); err != nil {
			ing.log.Warn().Err(err).Str("path", path).Msg("failed to ingest artifact")
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to walk uploaded directory: %w", err)
	}
	return count, nil
}

// AttachRecent scans uploadedDir for every parseable metadata file and
// links artifacts missing a run_job to the given job. When job.Scope is
// "single", an artifact belonging to a different tenant than the job is
// actively disassociated (set run_job back to empty) rather than left
// alone — a known legacy-repair rule for historical bad links. Bulk
// (scope=all) jobs never unlink cross-tenant artifacts, since the job
// legitimately spans every tenant.
func (ing *Ingester) AttachRecent(ctx context.Context, uploadedDir string, job *store.Job) (int, error) {
	attached := 0

	err := filepath.WalkDir(uploadedDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, "_transform.json") {
			return nil
		}

		parsed, parseErr := ing.Parse(path)
		if parseErr != nil || parsed == nil {
			return nil
		}

		existing, lookupErr := ing.latestForTenantDate(ctx, parsed.Params.TenantKey, parsed.Params.TargetDate)
		if lookupErr != nil || existing == nil {
			return nil
		}

		if job.Scope == store.ScopeSingle && existing.TenantKey != job.TenantKey {
			if existing.RunJob == job.ID {
				params := artifactToParams(existing)
				params.RunJob = ""
				if _, _, err := ing.st.IngestArtifact(ctx, params); err == nil {
					attached++
				}
			}
			return nil
		}

		if existing.RunJob == "" {
			params := artifactToParams(existing)
			params.RunJob = job.ID
			if _, _, err := ing.st.IngestArtifact(ctx, params); err == nil {
				attached++
			}
		}
		return nil
	})
	if err != nil {
		return attached, fmt.Errorf("failed to walk uploaded directory: %w", err)
	}
	return attached, nil
}

func artifactToParams(a *store.Artifact) store.IngestArtifactParams {
	var processedAt *int64
	if a.ProcessedAt != nil {
		v := a.ProcessedAt.UTC().Unix()
		processedAt = &v
	}
	return store.IngestArtifactParams{
		TenantKey:       a.TenantKey,
		TargetDate:      a.TargetDate,
		ProcessedAt:     processedAt,
		SourcePath:      a.SourcePath,
		SourceHash:      a.SourceHash,
		Reliability:     a.Reliability,
		RowsTotal:       a.RowsTotal,
		RowsKept:        a.RowsKept,
		RowsNonTarget:   a.RowsNonTarget,
		UploadStats:     a.UploadStats,
		ReconStatus:     a.ReconStatus,
		ReconDifference: a.ReconDifference,
		EposTotal:       a.EposTotal,
		QBOTotal:        a.QBOTotal,
		EposCount:       a.EposCount,
		QBOCount:        a.QBOCount,
		RawFile:         a.RawFile,
		ProcessedFiles:  a.ProcessedFiles,
		NearestLogFile:  a.NearestLogFile,
		RunJob:          a.RunJob,
	}
}
