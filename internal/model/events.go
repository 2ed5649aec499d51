package model

import "encoding/json"

// Inbound event names. These are the wire contract with the phone and web
// clients and must not be renamed.
const (
	EventMobileRegister      = "mobile:register"
	EventMobileScanQR        = "mobile:scan-qr"
	EventMobileMessages      = "mobile:messages"
	EventMobileConversations = "mobile:conversations"
	EventMobileMessageStatus = "mobile:message-status"
	EventWebAuthenticate     = "web:authenticate"
	EventWebSendMessage      = "web:send-message"
	EventWebMarkRead         = "web:mark-read"
	EventWebRequestSync      = "web:request-sync"
)

// Outbound event names.
const (
	EventAuthenticated      = "authenticated"
	EventQRPaired           = "qr:paired"
	EventError              = "error"
	EventMessagesSync       = "messages:sync"
	EventConversationsSync  = "conversations:sync"
	EventMessageStatus      = "message:status"
	EventSendMessage        = "send:message"
	EventMarkRead           = "mark:read"
	EventRequestSync        = "request:sync"
	EventMobileDisconnected = "mobile:disconnected"
	EventMessageNew         = "message:new"
	EventPeerError          = "peer:error"
)

type RegisterPayload struct {
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	DeviceModel string `json:"deviceModel"`
}

type ScanQRPayload struct {
	QRData   string `json:"qrData"`
	DeviceID string `json:"deviceId"`
}

type AuthenticatePayload struct {
	SessionToken string `json:"sessionToken"`
}

type SendMessagePayload struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	TempID      string `json:"tempId,omitempty"`
}

type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Envelope is the framing for every websocket message in both directions.
// Data is kept raw so message and conversation bodies pass through the
// relay untouched.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
