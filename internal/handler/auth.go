package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/smsbridge/relay-server-go/internal/errors"
	"github.com/smsbridge/relay-server-go/internal/httputil"
	"github.com/smsbridge/relay-server-go/internal/relay"
	"github.com/smsbridge/relay-server-go/internal/service"
)

type AuthHandler struct {
	tokens  *service.TokenService
	pairing *relay.Coordinator
	waitTTL time.Duration
}

func NewAuthHandler(tokens *service.TokenService, pairing *relay.Coordinator, waitTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		tokens:  tokens,
		pairing: pairing,
		waitTTL: waitTTL,
	}
}

func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/generate-qr", h.GenerateQR)
	r.Post("/wait-pairing", h.WaitPairing)
	r.Post("/verify", h.Verify)
	return r
}

// GenerateQR hands the web client a fresh pairing token and the payload to
// render as a QR code.
func (h *AuthHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	result, err := h.tokens.IssuePairingToken()
	if err != nil {
		log.Error().Err(err).Msg("failed to issue pairing token")
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

type waitPairingRequest struct {
	Token string `json:"token"`
}

type waitPairingResponse struct {
	SessionToken string `json:"sessionToken"`
}

// WaitPairing is the long-poll half of the pairing handshake: the request
// is held open until the phone scans the code or the wait times out.
func (h *AuthHandler) WaitPairing(w http.ResponseWriter, r *http.Request) {
	var req waitPairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.Token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	sessionToken, err := h.pairing.Await(r.Context(), req.Token, h.waitTTL)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing left to write.
			return
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, waitPairingResponse{SessionToken: sessionToken})
}

type verifyRequest struct {
	SessionToken string `json:"sessionToken"`
}

type verifyResponse struct {
	DeviceID string `json:"deviceId"`
}

// Verify checks a stored session token, letting a reloaded page resume
// without re-pairing.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.SessionToken == "" {
		httputil.WriteError(w, apperrors.MissingRequired("sessionToken"))
		return
	}

	deviceID, err := h.tokens.VerifySessionToken(r.Context(), req.SessionToken)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, verifyResponse{DeviceID: deviceID})
}
