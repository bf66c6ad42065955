package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// IngestArtifactParams carries one parsed metadata snapshot the
// ArtifactIngester wants recorded. SourceHash is the SHA-256 of the
// metadata file's bytes; it is part of the uniqueness key so re-ingesting
// an identical file is a no-op rather than a duplicate row.
type IngestArtifactParams struct {
	TenantKey   string
	TargetDate  string
	ProcessedAt *int64 // unix seconds, nil if absent from metadata

	SourcePath string
	SourceHash string

	Reliability Reliability

	RowsTotal     *int
	RowsKept      *int
	RowsNonTarget *int
	UploadStats   map[string]interface{}

	ReconStatus     string
	ReconDifference *float64
	EposTotal       *float64
	QBOTotal        *float64
	EposCount       *int
	QBOCount        *int

	RawFile        string
	ProcessedFiles []string
	NearestLogFile string

	RunJob string
}

// IngestArtifact upserts an Artifact row keyed on
// (tenant_key, target_date, processed_at, source_hash). Re-ingesting the
// same snapshot is idempotent: the row is looked up by that tuple (NULL-safe
// IS comparisons) and, when found, its non-key fields and imported_at are
// overwritten in place by id, so replaying the same run never produces two
// rows for one snapshot. The returned bool
// is true only when this call created a brand new row.
func (s *Store) IngestArtifact(ctx context.Context, p IngestArtifactParams) (*Artifact, bool, error) {
	uploadStatsBlob, err := encodeMsgpack(p.UploadStats)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode upload_stats: %w", err)
	}
	processedFilesBlob, err := encodeMsgpack(p.ProcessedFiles)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode processed_files: %w", err)
	}

	var processedAt sql.NullInt64
	if p.ProcessedAt != nil {
		processedAt = sql.NullInt64{Int64: *p.ProcessedAt, Valid: true}
	}

	created := false
	art := &Artifact{
		ID:              uuid.NewString(),
		TenantKey:       p.TenantKey,
		TargetDate:      p.TargetDate,
		SourcePath:      p.SourcePath,
		SourceHash:      p.SourceHash,
		Reliability:     p.Reliability,
		RowsTotal:       p.RowsTotal,
		RowsKept:        p.RowsKept,
		RowsNonTarget:   p.RowsNonTarget,
		UploadStats:     p.UploadStats,
		ReconStatus:     p.ReconStatus,
		ReconDifference: p.ReconDifference,
		EposTotal:       p.EposTotal,
		QBOTotal:        p.QBOTotal,
		EposCount:       p.EposCount,
		QBOCount:        p.QBOCount,
		RawFile:         p.RawFile,
		ProcessedFiles:  p.ProcessedFiles,
		NearestLogFile:  p.NearestLogFile,
		RunJob:          p.RunJob,
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowUnix()

		var existingID string
		lookupErr := tx.QueryRowContext(ctx, `
			SELECT id FROM artifacts
			WHERE tenant_key = ? AND target_date IS ? AND processed_at IS ? AND source_hash = ?`,
			art.TenantKey, nullableString(art.TargetDate), processedAt, art.SourceHash,
		).Scan(&existingID)
		switch {
		case lookupErr == sql.ErrNoRows:
			created = true
		case lookupErr != nil:
			return fmt.Errorf("failed to check for existing artifact: %w", lookupErr)
		default:
			art.ID = existingID
		}

		if created {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO artifacts (
					id, tenant_key, target_date, processed_at, source_path, source_hash,
					reliability, rows_total, rows_kept, rows_non_target, upload_stats,
					recon_status, recon_difference, epos_total, qbo_total, epos_count, qbo_count,
					raw_file, processed_files, nearest_log_file, run_job, imported_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				art.ID, art.TenantKey, nullableString(art.TargetDate), processedAt,
				art.SourcePath, art.SourceHash, string(art.Reliability),
				art.RowsTotal, art.RowsKept, art.RowsNonTarget, uploadStatsBlob,
				nullableString(art.ReconStatus), art.ReconDifference, art.EposTotal, art.QBOTotal,
				art.EposCount, art.QBOCount, nullableString(art.RawFile), processedFilesBlob,
				nullableString(art.NearestLogFile), nullableString(art.RunJob), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert artifact: %w", err)
			}
		} else {
			// target_date and processed_at are nullable, and SQLite's UNIQUE
			// index treats NULLs as distinct, so ON CONFLICT never matches a
			// NULL-keyed row even when the IS lookup above found one. Update
			// the looked-up row by id instead of relying on the upsert clause.
			_, err := tx.ExecContext(ctx, `
				UPDATE artifacts SET
					source_path = ?, reliability = ?, rows_total = ?, rows_kept = ?,
					rows_non_target = ?, upload_stats = ?, recon_status = ?, recon_difference = ?,
					epos_total = ?, qbo_total = ?, epos_count = ?, qbo_count = ?,
					raw_file = ?, processed_files = ?, nearest_log_file = ?, run_job = ?,
					imported_at = ?
				WHERE id = ?`,
				art.SourcePath, string(art.Reliability), art.RowsTotal, art.RowsKept,
				art.RowsNonTarget, uploadStatsBlob, nullableString(art.ReconStatus), art.ReconDifference,
				art.EposTotal, art.QBOTotal, art.EposCount, art.QBOCount,
				nullableString(art.RawFile), processedFilesBlob, nullableString(art.NearestLogFile), nullableString(art.RunJob),
				now, art.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update artifact: %w", err)
			}
		}
		art.ImportedAt = unixTime(now)
		if processedAt.Valid {
			t := unixTime(processedAt.Int64)
			art.ProcessedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return art, created, nil
}

// AttachRecentArtifacts returns the most recent artifact per tenant
// (distinct tenant_key, highest imported_at), bounded by limit. This is
// the "attach_recent" read the dashboard uses to show each tenant's latest
// snapshot without joining the full artifact history.
func (s *Store) AttachRecentArtifacts(ctx context.Context, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, artifactSelectColumns+`
		WHERE id IN (
			SELECT (
				SELECT latest.id FROM artifacts AS latest
				WHERE latest.tenant_key = t.tenant_key
				ORDER BY latest.imported_at DESC, latest.rowid DESC LIMIT 1
			) FROM (SELECT DISTINCT tenant_key FROM artifacts) AS t
		)
		ORDER BY imported_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// ListArtifactsForTenant returns a tenant's artifact history, newest first.
func (s *Store) ListArtifactsForTenant(ctx context.Context, tenantKey string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, artifactSelectColumns+`
		WHERE tenant_key = ? ORDER BY imported_at DESC LIMIT ?`, tenantKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// DeleteArtifactsForTenant removes every artifact row for one tenant and
// leaves other tenants' rows untouched. No ingest path in the core calls it.
func (s *Store) DeleteArtifactsForTenant(ctx context.Context, tenantKey string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM artifacts WHERE tenant_key = ?`, tenantKey)
	if err != nil {
		return fmt.Errorf("failed to delete tenant artifacts: %w", err)
	}
	return nil
}

const artifactSelectColumns = `
	SELECT id, tenant_key, target_date, processed_at, source_path, source_hash,
		reliability, rows_total, rows_kept, rows_non_target, upload_stats,
		recon_status, recon_difference, epos_total, qbo_total, epos_count, qbo_count,
		raw_file, processed_files, nearest_log_file, run_job, imported_at
	FROM artifacts`

func scanArtifacts(rows *sql.Rows) ([]*Artifact, error) {
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating artifacts: %w", err)
	}
	return out, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var targetDate, reconStatus, rawFile, nearestLogFile, runJob sql.NullString
	var processedAt sql.NullInt64
	var uploadStatsBlob, processedFilesBlob []byte
	var importedAt int64

	err := row.Scan(
		&a.ID, &a.TenantKey, &targetDate, &processedAt, &a.SourcePath, &a.SourceHash,
		&a.Reliability, &a.RowsTotal, &a.RowsKept, &a.RowsNonTarget, &uploadStatsBlob,
		&reconStatus, &a.ReconDifference, &a.EposTotal, &a.QBOTotal, &a.EposCount, &a.QBOCount,
		&rawFile, &processedFilesBlob, &nearestLogFile, &runJob, &importedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}

	a.TargetDate = targetDate.String
	a.ReconStatus = reconStatus.String
	a.RawFile = rawFile.String
	a.NearestLogFile = nearestLogFile.String
	a.RunJob = runJob.String
	a.ImportedAt = unixTime(importedAt)
	a.ProcessedAt = unixToTimePtr(processedAt)

	if len(uploadStatsBlob) > 0 {
		if err := msgpack.Unmarshal(uploadStatsBlob, &a.UploadStats); err != nil {
			return nil, fmt.Errorf("failed to decode upload_stats: %w", err)
		}
	}
	if len(processedFilesBlob) > 0 {
		if err := msgpack.Unmarshal(processedFilesBlob, &a.ProcessedFiles); err != nil {
			return nil, fmt.Errorf("failed to decode processed_files: %w", err)
		}
	}
	return &a, nil
}

func encodeMsgpack(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}
