package relay

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	apperrors "github.com/smsbridge/relay-server-go/internal/errors"
	"github.com/smsbridge/relay-server-go/internal/model"
)

// Authenticator is the slice of the token service the dispatcher needs.
type Authenticator interface {
	RegisterDevice(ctx context.Context, deviceID, deviceName, deviceModel string) error
	ConsumePairingToken(ctx context.Context, qrData, deviceID, deviceName, deviceModel string) (string, error)
	VerifySessionToken(ctx context.Context, token string) (string, error)
}

type ClientKind int

const (
	KindUnknown ClientKind = iota
	KindPhone
	KindWeb
)

// Client is the per-connection state accumulated as a peer registers or
// authenticates. Events from one connection are processed sequentially by
// its read loop, so fields are only touched from that loop.
type Client struct {
	ID           ConnID
	conn         Conn
	kind         ClientKind
	deviceID     string
	sessionToken string
	deviceName   string
	deviceModel  string
}

// Dispatcher routes named events between a phone connection and the web
// sessions bound to its device. It holds no state of its own beyond
// configuration; all live state lives in the registry and coordinator.
type Dispatcher struct {
	registry         *Registry
	pairing          *Coordinator
	auth             Authenticator
	notifyPeerErrors bool
}

func NewDispatcher(registry *Registry, pairing *Coordinator, auth Authenticator, notifyPeerErrors bool) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		pairing:          pairing,
		auth:             auth,
		notifyPeerErrors: notifyPeerErrors,
	}
}

// Connect places a new connection in the registry arena and returns its
// client state.
func (d *Dispatcher) Connect(conn Conn) *Client {
	id := d.registry.Add(conn)
	log.Debug().Str("connId", string(id)).Msg("connection added")
	return &Client{ID: id, conn: conn}
}

// Dispatch handles one inbound event. Failures surface as error events to
// the sender; nothing here may take the connection down.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, env model.Envelope) {
	switch env.Event {
	case model.EventMobileRegister:
		d.handleRegister(ctx, c, env.Data)
	case model.EventMobileScanQR:
		d.handleScanQR(ctx, c, env.Data)
	case model.EventMobileMessages:
		d.fanOut(c, model.EventMessagesSync, env.Data)
	case model.EventMobileConversations:
		d.fanOut(c, model.EventConversationsSync, env.Data)
	case model.EventMobileMessageStatus:
		d.handleMessageStatus(c, env.Data)
	case model.EventWebAuthenticate:
		d.handleAuthenticate(ctx, c, env.Data)
	case model.EventWebSendMessage:
		d.handleSendMessage(c, env.Data)
	case model.EventWebMarkRead:
		d.handleMarkRead(c, env.Data)
	case model.EventWebRequestSync:
		d.forwardToPhone(c, model.EventRequestSync, nil)
	default:
		d.sendError(c, apperrors.ValidationError("Unknown event: "+env.Event))
	}
}

func (d *Dispatcher) handleRegister(ctx context.Context, c *Client, data json.RawMessage) {
	var payload model.RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.sendError(c, apperrors.ValidationError("Invalid register payload"))
		return
	}
	if payload.DeviceID == "" {
		d.sendError(c, apperrors.MissingRequired("deviceId"))
		return
	}

	if err := d.auth.RegisterDevice(ctx, payload.DeviceID, payload.DeviceName, payload.DeviceModel); err != nil {
		log.Error().Err(err).Str("deviceId", payload.DeviceID).Msg("device registration failed")
		d.sendError(c, apperrors.Internal("Registration failed"))
		return
	}

	// Store upsert succeeded; only now touch the registry.
	d.registry.BindPhone(payload.DeviceID, c.ID)
	c.kind = KindPhone
	c.deviceID = payload.DeviceID
	c.deviceName = payload.DeviceName
	c.deviceModel = payload.DeviceModel

	d.send(c, model.EventAuthenticated, map[string]any{"success": true})
	log.Info().Str("deviceId", payload.DeviceID).Str("deviceName", payload.DeviceName).Msg("phone registered")
}

func (d *Dispatcher) handleScanQR(ctx context.Context, c *Client, data json.RawMessage) {
	var payload model.ScanQRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.sendError(c, apperrors.ValidationError("Invalid scan payload"))
		return
	}
	if payload.QRData == "" {
		d.sendError(c, apperrors.MissingRequired("qrData"))
		return
	}

	deviceID := payload.DeviceID
	if deviceID == "" {
		deviceID = c.deviceID
	}
	if deviceID == "" || d.registry.Phone(deviceID) == nil {
		d.sendError(c, apperrors.NotRegistered())
		return
	}

	var qr model.QRPayload
	if err := json.Unmarshal([]byte(payload.QRData), &qr); err != nil {
		d.sendError(c, apperrors.MalformedPayload("parse failure"))
		return
	}

	sessionToken, err := d.auth.ConsumePairingToken(ctx, payload.QRData, deviceID, c.deviceName, c.deviceModel)
	if err != nil {
		d.sendError(c, err)
		return
	}

	// No one waiting means the web client gave up or the token was already
	// paired elsewhere; the phone still gets its success, the session is
	// valid either way.
	if !d.pairing.Resolve(qr.Token, sessionToken) {
		log.Warn().Str("token", qr.Token).Msg("pairing resolved with no waiter")
	}

	d.send(c, model.EventQRPaired, map[string]any{"success": true})
	log.Info().Str("deviceId", deviceID).Msg("qr paired")
}

func (d *Dispatcher) handleMessageStatus(c *Client, data json.RawMessage) {
	var payload model.MessageStatusPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		d.sendError(c, apperrors.MissingRequired("messageId"))
		return
	}
	d.fanOut(c, model.EventMessageStatus, data)
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, c *Client, data json.RawMessage) {
	var payload model.AuthenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.sendError(c, apperrors.ValidationError("Invalid authenticate payload"))
		return
	}
	if payload.SessionToken == "" {
		d.sendError(c, apperrors.MissingRequired("sessionToken"))
		return
	}

	deviceID, err := d.auth.VerifySessionToken(ctx, payload.SessionToken)
	if err != nil {
		log.Warn().Str("code", string(apperrors.GetCode(err))).Msg("web authentication failed")
		d.sendError(c, err)
		return
	}

	d.registry.BindWeb(payload.SessionToken, deviceID, c.ID)
	c.kind = KindWeb
	c.deviceID = deviceID
	c.sessionToken = payload.SessionToken

	d.send(c, model.EventAuthenticated, map[string]any{"success": true, "deviceId": deviceID})
	log.Info().Str("deviceId", deviceID).Msg("web authenticated")

	// Ask the phone for an initial sync, if it is online.
	if phone := d.registry.Phone(deviceID); phone != nil {
		if err := phone.Send(model.EventRequestSync, nil); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("initial sync request failed")
		}
	}
}

func (d *Dispatcher) handleSendMessage(c *Client, data json.RawMessage) {
	var payload model.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.sendError(c, apperrors.ValidationError("Invalid send payload"))
		return
	}
	if payload.PhoneNumber == "" {
		d.sendError(c, apperrors.MissingRequired("phoneNumber"))
		return
	}
	if payload.Message == "" {
		d.sendError(c, apperrors.MissingRequired("message"))
		return
	}

	d.forwardToPhone(c, model.EventSendMessage, data)
}

func (d *Dispatcher) handleMarkRead(c *Client, data json.RawMessage) {
	var payload model.MarkReadPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		d.sendError(c, apperrors.MissingRequired("conversationId"))
		return
	}
	d.forwardToPhone(c, model.EventMarkRead, data)
}

// forwardToPhone relays a web-originated event to the one phone bound to
// the sender's device. An unbound or dead phone is reported back to the
// sender, never silently dropped.
func (d *Dispatcher) forwardToPhone(c *Client, event string, data json.RawMessage) {
	if c.kind != KindWeb || c.deviceID == "" {
		d.sendError(c, apperrors.Unauthorized("Not authenticated"))
		return
	}

	phone := d.registry.Phone(c.deviceID)
	if phone == nil {
		d.sendError(c, apperrors.PeerUnavailable("Mobile device"))
		return
	}

	if err := phone.Send(event, data); err != nil {
		log.Warn().Err(err).Str("deviceId", c.deviceID).Str("event", event).Msg("forward to phone failed")
		d.sendError(c, apperrors.PeerUnavailable("Mobile device"))
	}
}

// fanOut relays a phone-originated event to every web session bound to the
// sender's device. Iteration order over the session set is unspecified.
func (d *Dispatcher) fanOut(c *Client, event string, data json.RawMessage) {
	if c.kind != KindPhone || c.deviceID == "" {
		d.sendError(c, apperrors.NotRegistered())
		return
	}

	for _, token := range d.registry.SessionsForDevice(c.deviceID) {
		web := d.registry.Web(token)
		if web == nil {
			continue
		}
		if err := web.Send(event, data); err != nil {
			log.Warn().Err(err).Str("event", event).Msg("fan-out delivery failed")
			if d.notifyPeerErrors {
				d.send(c, model.EventPeerError, map[string]any{"event": event, "message": "a web client could not be reached"})
			}
		}
	}
}

// BroadcastNewMessage pushes a server-originated message to the phone and
// every bound web session of a device.
func (d *Dispatcher) BroadcastNewMessage(deviceID string, message json.RawMessage) {
	if phone := d.registry.Phone(deviceID); phone != nil {
		if err := phone.Send(model.EventMessageNew, message); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("broadcast to phone failed")
		}
	}

	for _, token := range d.registry.SessionsForDevice(deviceID) {
		if web := d.registry.Web(token); web != nil {
			if err := web.Send(model.EventMessageNew, message); err != nil {
				log.Warn().Err(err).Str("deviceId", deviceID).Msg("broadcast to web failed")
			}
		}
	}
}

// Disconnect runs the cleanup state transition. Safe to call more than
// once for the same client; the second call finds nothing bound.
func (d *Dispatcher) Disconnect(c *Client) {
	switch c.kind {
	case KindPhone:
		tokens := d.registry.UnbindPhone(c.deviceID, c.ID)
		for _, token := range tokens {
			if web := d.registry.Web(token); web != nil {
				if err := web.Send(model.EventMobileDisconnected, nil); err != nil {
					log.Debug().Err(err).Msg("disconnect notice failed")
				}
			}
		}
		if len(tokens) > 0 {
			log.Info().Str("deviceId", c.deviceID).Int("webPeers", len(tokens)).Msg("phone disconnected")
		}

	case KindWeb:
		// The phone is not told; losing one of many web peers is not
		// reported upstream.
		d.registry.UnbindWeb(c.sessionToken, c.deviceID, c.ID)
	}

	d.registry.Remove(c.ID)
}

func (d *Dispatcher) send(c *Client, event string, payload any) {
	if err := c.conn.Send(event, payload); err != nil {
		log.Debug().Err(err).Str("event", event).Msg("send failed")
	}
}

func (d *Dispatcher) sendError(c *Client, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	d.send(c, model.EventError, map[string]any{
		"message": appErr.Message,
		"code":    appErr.Code,
	})
}
