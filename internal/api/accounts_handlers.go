package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loopcast/internal/models"
)

type accountTokenRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	Expiry       time.Time `json:"expiry"`
}

// PutAccountToken stores the OAuth token of a destination account.
func (h *Handler) PutAccountToken(w http.ResponseWriter, r *http.Request) {
	accountID := models.NormalizeID(chi.URLParam(r, "accountID"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, errors.New("account id is required"))
		return
	}
	var req accountTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid token: %w", err))
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" && strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, errors.New("accessToken or refreshToken is required"))
		return
	}
	token := models.AccountToken{
		AccountID:    accountID,
		AccessToken:  strings.TrimSpace(req.AccessToken),
		RefreshToken: strings.TrimSpace(req.RefreshToken),
		TokenType:    strings.TrimSpace(req.TokenType),
		Expiry:       req.Expiry.UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := h.Tokens.SaveAccountToken(r.Context(), token); err != nil {
		requestLogger(r, h.Logger).Error("save account token failed", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store token"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
