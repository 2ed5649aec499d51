package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/smsbridge/relay-server-go/internal/model"
)

type DeviceRepository interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error)
	Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error)
	TouchLastSeen(ctx context.Context, deviceID string) error
	Count(ctx context.Context) (int, error)
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type deviceRepo struct {
	db sqlxDB
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE device_id = $1
	`, deviceID)
	return HandleNotFound(&device, err)
}

// Upsert is a single statement so two near-simultaneous registrations for
// the same device id cannot interleave a partial write.
func (r *deviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (device_id, device_name, device_model, last_seen)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			device_model = EXCLUDED.device_model,
			last_seen = NOW()
		RETURNING *
	`, params.DeviceID, params.DeviceName, params.DeviceModel)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) TouchLastSeen(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_seen = NOW() WHERE device_id = $1
	`, deviceID)
	return err
}

func (r *deviceRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM devices`)
	return count, err
}
