package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsbridge/relay-server-go/internal/model"
	"github.com/smsbridge/relay-server-go/internal/relay"
	"github.com/smsbridge/relay-server-go/internal/service"
)

func newAuthHandler(waitTTL time.Duration) (*AuthHandler, *relay.Coordinator) {
	// Pairing token issue and structural token checks never reach the
	// repositories, so nil stores are fine here.
	tokens := service.NewTokenService(nil, nil, nil, "test-secret-0123456789abcdef0123", 5*time.Minute, 30*24*time.Hour)
	coordinator := relay.NewCoordinator()
	return NewAuthHandler(tokens, coordinator, waitTTL), coordinator
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestGenerateQR(t *testing.T) {
	handler, _ := newAuthHandler(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/generate-qr", nil)
	rec := httptest.NewRecorder()
	handler.GenerateQR(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result service.IssueQRResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, int64(300000), result.ExpiresIn)

	var payload model.QRPayload
	require.NoError(t, json.Unmarshal([]byte(result.QRData), &payload))
	assert.Equal(t, result.Token, payload.Token)
}

func TestWaitPairing(t *testing.T) {
	t.Run("returns session token once resolved", func(t *testing.T) {
		handler, coordinator := newAuthHandler(5 * time.Second)

		go func() {
			for coordinator.PendingCount() == 0 {
				time.Sleep(2 * time.Millisecond)
			}
			coordinator.Resolve("tok1", "session-token-1")
		}()

		rec := postJSON(t, handler.WaitPairing, `{"token":"tok1"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp waitPairingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "session-token-1", resp.SessionToken)
	})

	t.Run("times out with 408", func(t *testing.T) {
		handler, _ := newAuthHandler(20 * time.Millisecond)

		rec := postJSON(t, handler.WaitPairing, `{"token":"tok2"}`)

		assert.Equal(t, http.StatusRequestTimeout, rec.Code)
		assert.Contains(t, rec.Body.String(), "PAIRING_TIMEOUT")
	})

	t.Run("rejects missing token", func(t *testing.T) {
		handler, _ := newAuthHandler(time.Second)

		rec := postJSON(t, handler.WaitPairing, `{}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "MISSING_REQUIRED")
	})

	t.Run("rejects invalid body", func(t *testing.T) {
		handler, _ := newAuthHandler(time.Second)

		rec := postJSON(t, handler.WaitPairing, `not-json`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerify(t *testing.T) {
	t.Run("rejects missing session token", func(t *testing.T) {
		handler, _ := newAuthHandler(time.Second)

		rec := postJSON(t, handler.Verify, `{}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "MISSING_REQUIRED")
	})

	t.Run("rejects structurally invalid token", func(t *testing.T) {
		handler, _ := newAuthHandler(time.Second)

		rec := postJSON(t, handler.Verify, `{"sessionToken":"garbage"}`)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")
	})
}

func TestRoutes(t *testing.T) {
	handler, _ := newAuthHandler(time.Second)
	router := handler.Routes()

	req := httptest.NewRequest(http.MethodGet, "/generate-qr", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
