package api

import (
	"encoding/json"
	"net/http"

	"github.com/WiseWong6/pdf/internal/config"
)

type settingsResponse struct {
	config.Settings
	HasAPIKey bool `json:"has_api_key"`
}

func redacted(s config.Settings) settingsResponse {
	return settingsResponse{Settings: s.Redacted(), HasAPIKey: s.APIKey != ""}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redacted(s.settings.Snapshot()))
}

// handlePutSettings applies partial overrides. Omitted fields keep their
// value; an empty string resets a field to its default.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var u config.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	next, err := s.settings.Update(u)
	if err != nil {
		s.log.Error("settings update failed", "error", err)
		jsonError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	s.log.Info("settings updated", "ocr_model", next.OCRModel, "restore_model", next.RestoreModel, "has_api_key", next.APIKey != "")
	writeJSON(w, http.StatusOK, redacted(next))
}
