package model

import "time"

// Device is one paired phone. The device id is a client-chosen opaque
// string, stable only as long as the app installation keeps it.
type Device struct {
	DeviceID    string    `db:"device_id" json:"deviceId"`
	DeviceName  string    `db:"device_name" json:"deviceName"`
	DeviceModel string    `db:"device_model" json:"deviceModel"`
	LastSeen    time.Time `db:"last_seen" json:"lastSeen"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

type UpsertDeviceParams struct {
	DeviceID    string
	DeviceName  string
	DeviceModel string
}
