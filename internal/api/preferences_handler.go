package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "genchat/internal/errors"
	"genchat/internal/prefs"
)

// PreferencesHandler persists client model selections and custom
// provider settings server-side.
type PreferencesHandler struct {
	store prefs.Store
}

func NewPreferencesHandler(store prefs.Store) *PreferencesHandler {
	return &PreferencesHandler{store: store}
}

// SetPreferenceRequest is the DTO for writing a single preference key.
type SetPreferenceRequest struct {
	Key   string `json:"key" validate:"required,min=1,max=128" example:"chatModel"`
	Value string `json:"value" validate:"max=4096" example:"qwen-3"`
}

// HandleGetPreferences godoc
// @Summary      List preferences
// @Tags         preferences
// @Produce      json
// @Success      200 {object} map[string]string
// @Failure      500 {object} ErrorResponse
// @Router       /api/preferences [get]
func (h *PreferencesHandler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.GetAll(r.Context())
	if err != nil {
		respondWithError(w, fmt.Errorf("%w: could not read preferences: %v", apperrors.ErrInternal, err))
		return
	}
	respondWithJSON(w, http.StatusOK, all)
}

// HandleSetPreference godoc
// @Summary      Set a preference
// @Tags         preferences
// @Accept       json
// @Produce      json
// @Param        request body SetPreferenceRequest true "Preference to store"
// @Success      200 {object} map[string]string
// @Failure      400 {object} ErrorResponse
// @Router       /api/preferences [post]
func (h *PreferencesHandler) HandleSetPreference(w http.ResponseWriter, r *http.Request) {
	var req SetPreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, fmt.Errorf("%w: invalid JSON request body", apperrors.ErrValidation))
		return
	}
	if err := validateRequest(req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.store.Set(r.Context(), req.Key, req.Value); err != nil {
		respondWithError(w, fmt.Errorf("%w: could not store preference: %v", apperrors.ErrInternal, err))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
