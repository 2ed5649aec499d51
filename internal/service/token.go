package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/smsbridge/relay-server-go/internal/errors"
	"github.com/smsbridge/relay-server-go/internal/model"
	"github.com/smsbridge/relay-server-go/internal/repository"
)

// ConsumedStore records single-use pairing token consumption. MarkConsumed
// returns false when the token was already used.
type ConsumedStore interface {
	MarkConsumed(ctx context.Context, token string, ttl time.Duration) (bool, error)
}

type IssueQRResult struct {
	Token     string `json:"token"`
	QRData    string `json:"qrData"`
	ExpiresIn int64  `json:"expiresIn"`
}

type sessionClaims struct {
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

type TokenService struct {
	deviceRepo  repository.DeviceRepository
	sessionRepo repository.SessionRepository
	consumed    ConsumedStore
	secret      []byte
	pairingTTL  time.Duration
	sessionTTL  time.Duration
}

func NewTokenService(
	deviceRepo repository.DeviceRepository,
	sessionRepo repository.SessionRepository,
	consumed ConsumedStore,
	secret string,
	pairingTTL, sessionTTL time.Duration,
) *TokenService {
	return &TokenService{
		deviceRepo:  deviceRepo,
		sessionRepo: sessionRepo,
		consumed:    consumed,
		secret:      []byte(secret),
		pairingTTL:  pairingTTL,
		sessionTTL:  sessionTTL,
	}
}

// IssuePairingToken generates a fresh opaque token and the QR payload the
// web client renders. Nothing is persisted until the token is consumed.
func (s *TokenService) IssuePairingToken() (*IssueQRResult, error) {
	payload := model.QRPayload{
		Token:     uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		ExpiresIn: s.pairingTTL.Milliseconds(),
	}

	qrData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal qr payload: %w", err)
	}

	log.Info().
		Str("token", payload.Token).
		Int64("expiresIn", payload.ExpiresIn).
		Msg("pairing token issued")

	return &IssueQRResult{
		Token:     payload.Token,
		QRData:    string(qrData),
		ExpiresIn: payload.ExpiresIn,
	}, nil
}

// ConsumePairingToken exchanges a scanned QR payload for a session token.
// The pairing token is invalidated on first use; a second consume within
// the TTL fails the same way an expired one does.
func (s *TokenService) ConsumePairingToken(ctx context.Context, qrData, deviceID, deviceName, deviceModel string) (string, error) {
	var payload model.QRPayload
	if err := json.Unmarshal([]byte(qrData), &payload); err != nil {
		return "", apperrors.MalformedPayload("parse failure").WithCause(err)
	}
	if payload.Token == "" {
		return "", apperrors.MalformedPayload("missing token")
	}

	now := time.Now().UnixMilli()
	if now-payload.Timestamp >= payload.ExpiresIn {
		log.Warn().Str("token", payload.Token).Msg("expired pairing token scanned")
		return "", apperrors.QRExpired()
	}

	remaining := time.Duration(payload.Timestamp+payload.ExpiresIn-now) * time.Millisecond
	ok, err := s.consumed.MarkConsumed(ctx, payload.Token, remaining)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if !ok {
		log.Warn().Str("token", payload.Token).Msg("pairing token already consumed")
		return "", apperrors.QRExpired()
	}

	device, err := s.deviceRepo.Upsert(ctx, model.UpsertDeviceParams{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		DeviceModel: deviceModel,
	})
	if err != nil {
		return "", apperrors.Database(err)
	}

	issuedAt := time.Now()
	sessionToken, err := s.issueSessionToken(deviceID, issuedAt)
	if err != nil {
		return "", fmt.Errorf("issue session token: %w", err)
	}

	expiresAt := issuedAt.Add(s.sessionTTL)
	session, err := s.sessionRepo.Create(ctx, model.CreateSessionParams{
		SessionTokenHash: HashToken(sessionToken),
		DeviceID:         deviceID,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		return "", apperrors.Database(err)
	}

	log.Info().
		Str("token", payload.Token).
		Str("deviceId", device.DeviceID).
		Str("sessionId", session.ID).
		Time("expiresAt", expiresAt).
		Msg("pairing token consumed")

	return sessionToken, nil
}

func (s *TokenService) issueSessionToken(deviceID string, issuedAt time.Time) (string, error) {
	claims := sessionClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.sessionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifySessionToken checks both the signature and the persisted session
// row. A structurally valid token whose row is gone (revoked or cleaned
// up) must fail.
func (s *TokenService) VerifySessionToken(ctx context.Context, token string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperrors.TokenExpired()
		}
		return "", apperrors.InvalidToken("Invalid session token").WithCause(err)
	}
	if !parsed.Valid || claims.DeviceID == "" {
		return "", apperrors.InvalidToken("Invalid session token")
	}

	session, err := s.sessionRepo.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		return "", apperrors.Database(err)
	}
	if session == nil {
		return "", apperrors.NotFound("Session")
	}

	if err := s.sessionRepo.TouchLastSeen(ctx, session.ID); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to touch session last seen")
	}

	return claims.DeviceID, nil
}

// RegisterDevice is the phone-only upsert used on reconnect without a
// fresh QR scan.
func (s *TokenService) RegisterDevice(ctx context.Context, deviceID, deviceName, deviceModel string) error {
	if deviceID == "" {
		return apperrors.MissingRequired("deviceId")
	}

	_, err := s.deviceRepo.Upsert(ctx, model.UpsertDeviceParams{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		DeviceModel: deviceModel,
	})
	if err != nil {
		return apperrors.Database(err)
	}

	log.Info().Str("deviceId", deviceID).Str("deviceName", deviceName).Msg("device registered")
	return nil
}

func (s *TokenService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessionRepo.DeleteExpired(ctx)
}

// HashToken returns the hex SHA-256 of a token. Raw session tokens are
// never stored.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
