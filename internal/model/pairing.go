package model

// QRPayload is the bundle serialized into the QR code shown to the phone.
// Timestamp and ExpiresIn are milliseconds since epoch / milliseconds.
type QRPayload struct {
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
	ExpiresIn int64  `json:"expiresIn"`
}
