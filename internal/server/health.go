package server

import (
	"net/http"

	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

type healthHandler struct {
	st         *store.Store
	classifier *health.Classifier
	log        zerolog.Logger
}

// get returns one tenant's HealthClassifier verdict, or every active
// tenant's if ?tenant= is omitted. GET /api/health?tenant=key
func (h *healthHandler) get(w http.ResponseWriter, r *http.Request) {
	tenantKey := r.URL.Query().Get("tenant")

	if tenantKey != "" {
		result, err := h.classifier.Classify(r.Context(), tenantKey)
		if err != nil {
			h.log.Error().Err(err).Str("tenant_key", tenantKey).Msg("failed to classify tenant health")
			writeError(w, http.StatusInternalServerError, "failed to classify health")
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	keys, err := h.st.ListActiveTenantKeys(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list active tenants")
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	results := make(map[string]health.Result, len(keys))
	for _, key := range keys {
		result, err := h.classifier.Classify(r.Context(), key)
		if err != nil {
			h.log.Warn().Err(err).Str("tenant_key", key).Msg("failed to classify tenant health")
			continue
		}
		results[key] = result
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": results})
}
