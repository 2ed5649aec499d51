package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/smsbridge/relay-server-go/internal/errors"
	"github.com/smsbridge/relay-server-go/internal/model"
	"github.com/smsbridge/relay-server-go/internal/relay"
)

// Mock device repository
type mockDeviceRepo struct {
	mock.Mock
}

func (m *mockDeviceRepo) FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

func (m *mockDeviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

func (m *mockDeviceRepo) TouchLastSeen(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

func (m *mockDeviceRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// Mock session repository
type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	args := m.Called(ctx, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) FindByDeviceID(ctx context.Context, deviceID string) ([]model.Session, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) TouchLastSeen(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// In-memory single-use marker
type fakeConsumedStore struct {
	used map[string]bool
}

func newFakeConsumedStore() *fakeConsumedStore {
	return &fakeConsumedStore{used: make(map[string]bool)}
}

func (f *fakeConsumedStore) MarkConsumed(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	if f.used[token] {
		return false, nil
	}
	f.used[token] = true
	return true, nil
}

const testSecret = "test-secret-0123456789abcdef0123456789"

func newTestService(deviceRepo *mockDeviceRepo, sessionRepo *mockSessionRepo) *TokenService {
	return NewTokenService(deviceRepo, sessionRepo, newFakeConsumedStore(), testSecret, 5*time.Minute, 30*24*time.Hour)
}

func qrDataFor(t *testing.T, token string, timestamp, expiresIn int64) string {
	t.Helper()
	data, err := json.Marshal(model.QRPayload{Token: token, Timestamp: timestamp, ExpiresIn: expiresIn})
	require.NoError(t, err)
	return string(data)
}

func expectConsumeSuccess(deviceRepo *mockDeviceRepo, sessionRepo *mockSessionRepo, deviceID string) {
	deviceRepo.On("Upsert", mock.Anything, mock.Anything).Return(&model.Device{DeviceID: deviceID}, nil)
	sessionRepo.On("Create", mock.Anything, mock.Anything).Return(&model.Session{ID: "sess-1", DeviceID: deviceID}, nil)
}

func TestIssuePairingToken(t *testing.T) {
	s := newTestService(&mockDeviceRepo{}, &mockSessionRepo{})

	result, err := s.IssuePairingToken()
	require.NoError(t, err)

	assert.NotEmpty(t, result.Token)
	assert.Equal(t, int64(300000), result.ExpiresIn)

	var payload model.QRPayload
	require.NoError(t, json.Unmarshal([]byte(result.QRData), &payload))
	assert.Equal(t, result.Token, payload.Token)
	assert.Equal(t, int64(300000), payload.ExpiresIn)
	assert.InDelta(t, time.Now().UnixMilli(), payload.Timestamp, 2000)
}

func TestConsumePairingToken(t *testing.T) {
	t.Run("succeeds within ttl", func(t *testing.T) {
		deviceRepo := &mockDeviceRepo{}
		sessionRepo := &mockSessionRepo{}
		s := newTestService(deviceRepo, sessionRepo)
		expectConsumeSuccess(deviceRepo, sessionRepo, "dev1")

		qrData := qrDataFor(t, "tok1", time.Now().UnixMilli(), 300000)
		token, err := s.ConsumePairingToken(context.Background(), qrData, "dev1", "Pixel", "Pixel 8")
		require.NoError(t, err)
		assert.NotEmpty(t, token)

		deviceRepo.AssertCalled(t, "Upsert", mock.Anything, model.UpsertDeviceParams{
			DeviceID: "dev1", DeviceName: "Pixel", DeviceModel: "Pixel 8",
		})
		sessionRepo.AssertExpectations(t)
	})

	t.Run("succeeds just before expiry", func(t *testing.T) {
		deviceRepo := &mockDeviceRepo{}
		sessionRepo := &mockSessionRepo{}
		s := newTestService(deviceRepo, sessionRepo)
		expectConsumeSuccess(deviceRepo, sessionRepo, "dev1")

		// Issued almost a full TTL ago, with a second of margin.
		qrData := qrDataFor(t, "tok2", time.Now().UnixMilli()-299000, 300000)
		_, err := s.ConsumePairingToken(context.Background(), qrData, "dev1", "Pixel", "Pixel 8")
		assert.NoError(t, err)
	})

	t.Run("fails exactly at ttl", func(t *testing.T) {
		s := newTestService(&mockDeviceRepo{}, &mockSessionRepo{})

		qrData := qrDataFor(t, "tok3", time.Now().UnixMilli()-300000, 300000)
		_, err := s.ConsumePairingToken(context.Background(), qrData, "dev1", "Pixel", "Pixel 8")
		assert.Equal(t, apperrors.ErrCodeQRExpired, apperrors.GetCode(err))
	})

	t.Run("fails on malformed payload", func(t *testing.T) {
		s := newTestService(&mockDeviceRepo{}, &mockSessionRepo{})

		_, err := s.ConsumePairingToken(context.Background(), "not-json", "dev1", "Pixel", "Pixel 8")
		assert.Equal(t, apperrors.ErrCodeMalformedPayload, apperrors.GetCode(err))

		_, err = s.ConsumePairingToken(context.Background(), `{"timestamp":1}`, "dev1", "Pixel", "Pixel 8")
		assert.Equal(t, apperrors.ErrCodeMalformedPayload, apperrors.GetCode(err))
	})

	t.Run("second consumption fails within ttl", func(t *testing.T) {
		deviceRepo := &mockDeviceRepo{}
		sessionRepo := &mockSessionRepo{}
		s := newTestService(deviceRepo, sessionRepo)
		expectConsumeSuccess(deviceRepo, sessionRepo, "dev1")

		qrData := qrDataFor(t, "tok4", time.Now().UnixMilli(), 300000)

		_, err := s.ConsumePairingToken(context.Background(), qrData, "dev1", "Pixel", "Pixel 8")
		require.NoError(t, err)

		_, err = s.ConsumePairingToken(context.Background(), qrData, "dev1", "Pixel", "Pixel 8")
		assert.Equal(t, apperrors.ErrCodeQRExpired, apperrors.GetCode(err))
	})
}

func TestVerifySessionToken(t *testing.T) {
	t.Run("verifies a freshly minted token", func(t *testing.T) {
		deviceRepo := &mockDeviceRepo{}
		sessionRepo := &mockSessionRepo{}
		s := newTestService(deviceRepo, sessionRepo)
		expectConsumeSuccess(deviceRepo, sessionRepo, "dev1")

		qrData := qrDataFor(t, "tok5", time.Now().UnixMilli(), 300000)
		token, err := s.ConsumePairingToken(context.Background(), qrData, "dev1", "Pixel", "Pixel 8")
		require.NoError(t, err)

		sessionRepo.On("FindByTokenHash", mock.Anything, HashToken(token)).
			Return(&model.Session{ID: "sess-1", DeviceID: "dev1"}, nil)
		sessionRepo.On("TouchLastSeen", mock.Anything, "sess-1").Return(nil)

		deviceID, err := s.VerifySessionToken(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "dev1", deviceID)
		sessionRepo.AssertCalled(t, "TouchLastSeen", mock.Anything, "sess-1")
	})

	t.Run("valid signature without a session row fails", func(t *testing.T) {
		deviceRepo := &mockDeviceRepo{}
		sessionRepo := &mockSessionRepo{}
		s := newTestService(deviceRepo, sessionRepo)

		token, err := s.issueSessionToken("dev1", time.Now())
		require.NoError(t, err)

		sessionRepo.On("FindByTokenHash", mock.Anything, mock.Anything).Return(nil, nil)

		_, err = s.VerifySessionToken(context.Background(), token)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("garbage token fails without touching the store", func(t *testing.T) {
		sessionRepo := &mockSessionRepo{}
		s := newTestService(&mockDeviceRepo{}, sessionRepo)

		_, err := s.VerifySessionToken(context.Background(), "not-a-jwt")
		assert.Equal(t, apperrors.ErrCodeInvalidToken, apperrors.GetCode(err))
		sessionRepo.AssertNotCalled(t, "FindByTokenHash", mock.Anything, mock.Anything)
	})

	t.Run("token signed with another secret fails", func(t *testing.T) {
		other := NewTokenService(&mockDeviceRepo{}, &mockSessionRepo{}, newFakeConsumedStore(), "another-secret-0123456789abcdef01", 5*time.Minute, 30*24*time.Hour)
		token, err := other.issueSessionToken("dev1", time.Now())
		require.NoError(t, err)

		s := newTestService(&mockDeviceRepo{}, &mockSessionRepo{})
		_, err = s.VerifySessionToken(context.Background(), token)
		assert.Equal(t, apperrors.ErrCodeInvalidToken, apperrors.GetCode(err))
	})

	t.Run("expired token fails as expired", func(t *testing.T) {
		s := newTestService(&mockDeviceRepo{}, &mockSessionRepo{})

		token, err := s.issueSessionToken("dev1", time.Now().Add(-31*24*time.Hour))
		require.NoError(t, err)

		_, err = s.VerifySessionToken(context.Background(), token)
		assert.Equal(t, apperrors.ErrCodeTokenExpired, apperrors.GetCode(err))
	})
}

func TestRegisterDevice(t *testing.T) {
	t.Run("upserts", func(t *testing.T) {
		deviceRepo := &mockDeviceRepo{}
		s := newTestService(deviceRepo, &mockSessionRepo{})

		deviceRepo.On("Upsert", mock.Anything, model.UpsertDeviceParams{
			DeviceID: "dev1", DeviceName: "Pixel", DeviceModel: "Pixel 8",
		}).Return(&model.Device{DeviceID: "dev1"}, nil)

		err := s.RegisterDevice(context.Background(), "dev1", "Pixel", "Pixel 8")
		assert.NoError(t, err)
		deviceRepo.AssertExpectations(t)
	})

	t.Run("rejects empty device id", func(t *testing.T) {
		s := newTestService(&mockDeviceRepo{}, &mockSessionRepo{})
		err := s.RegisterDevice(context.Background(), "", "Pixel", "Pixel 8")
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})
}

// Full pairing round trip: the web side waits on the token it rendered,
// the phone consumes it, and the resulting session token verifies back to
// the phone's device id.
func TestPairingRoundTrip(t *testing.T) {
	deviceRepo := &mockDeviceRepo{}
	sessionRepo := &mockSessionRepo{}
	s := newTestService(deviceRepo, sessionRepo)
	expectConsumeSuccess(deviceRepo, sessionRepo, "dev1")

	issued, err := s.IssuePairingToken()
	require.NoError(t, err)

	coordinator := relay.NewCoordinator()

	type waitResult struct {
		sessionToken string
		err          error
	}
	resultCh := make(chan waitResult, 1)
	go func() {
		tok, waitErr := coordinator.Await(context.Background(), issued.Token, 5*time.Second)
		resultCh <- waitResult{tok, waitErr}
	}()
	require.Eventually(t, func() bool {
		return coordinator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	sessionToken, err := s.ConsumePairingToken(context.Background(), issued.QRData, "dev1", "Pixel", "Pixel 8")
	require.NoError(t, err)
	require.True(t, coordinator.Resolve(issued.Token, sessionToken))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, sessionToken, res.sessionToken)
	case <-time.After(time.Second):
		t.Fatal("wait-pairing did not resolve")
	}

	sessionRepo.On("FindByTokenHash", mock.Anything, HashToken(sessionToken)).
		Return(&model.Session{ID: "sess-1", DeviceID: "dev1"}, nil)
	sessionRepo.On("TouchLastSeen", mock.Anything, "sess-1").Return(nil)

	deviceID, err := s.VerifySessionToken(context.Background(), sessionToken)
	require.NoError(t, err)
	assert.Equal(t, "dev1", deviceID)
}

func TestCleanupExpiredSessions(t *testing.T) {
	sessionRepo := &mockSessionRepo{}
	s := newTestService(&mockDeviceRepo{}, sessionRepo)

	sessionRepo.On("DeleteExpired", mock.Anything).Return(int64(3), nil)

	count, err := s.CleanupExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
