package model

import "time"

// Session binds a web browser instance to one device. The raw token is a
// signed JWT handed to the browser; only its hash is stored.
type Session struct {
	ID               string    `db:"id" json:"id"`
	SessionTokenHash string    `db:"session_token_hash" json:"-"`
	DeviceID         string    `db:"device_id" json:"deviceId"`
	ExpiresAt        time.Time `db:"expires_at" json:"expiresAt"`
	LastSeen         time.Time `db:"last_seen" json:"lastSeen"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

type CreateSessionParams struct {
	SessionTokenHash string
	DeviceID         string
	ExpiresAt        time.Time
}
