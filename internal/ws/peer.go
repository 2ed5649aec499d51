package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smsbridge/relay-server-go/internal/config"
	"github.com/smsbridge/relay-server-go/internal/model"
)

var ErrClosed = errors.New("websocket is closed")

// Peer wraps one websocket connection with the framing and write
// discipline the relay core expects. Reads stay on the handler's loop;
// writes can come from any goroutine and are serialized by the mutex.
type Peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewPeer(conn *websocket.Conn) *Peer {
	return &Peer{conn: conn}
}

// Send emits one named event. Payload is marshalled into the envelope's
// data field; nil payload sends a bare event.
func (p *Peer) Send(event string, payload any) error {
	if p.closed.Load() {
		return ErrClosed
	}

	env := model.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = data
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
	return p.conn.WriteJSON(env)
}

// Read blocks for the next inbound envelope.
func (p *Peer) Read() (model.Envelope, error) {
	var env model.Envelope
	err := p.conn.ReadJSON(&env)
	return env, err
}

func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.conn.Close()
}

// IsExpectedClose reports whether a read error is a normal peer departure
// rather than something worth logging loudly.
func IsExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
