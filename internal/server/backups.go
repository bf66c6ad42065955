package server

import (
	"net/http"

	"github.com/opsportal/orchestrator/internal/reliability"
	"github.com/rs/zerolog"
)

type backupsHandler struct {
	archiver *reliability.Archiver
	log      zerolog.Logger
}

// list returns every backup in R2, newest first. A nil Archiver (R2
// credentials not configured) is a no-op empty list, not an error.
// GET /api/backups
func (h *backupsHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"backups": []reliability.BackupInfo{}, "enabled": false})
		return
	}

	backups, err := h.archiver.ListBackups(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list backups")
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups, "enabled": true})
}

// trigger runs an immediate backup synchronously and reports success once
// it's uploaded. A nil Archiver is a no-op, not an error, so dashboards can
// always call this endpoint without first checking whether archiving is on.
// POST /api/backups
func (h *backupsHandler) trigger(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "message": "archiving not configured"})
		return
	}

	if err := h.archiver.BackupNow(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("backup failed")
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
