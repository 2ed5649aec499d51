package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the in-memory index of live connections. Connections live in
// a flat arena keyed by ConnID; the three relational maps hold only ids and
// session tokens, never transport objects. Everything here is disposable
// state: phones re-register and web clients re-authenticate after a restart.
type Registry struct {
	mu               sync.RWMutex
	conns            map[ConnID]Conn
	phoneByDevice    map[string]ConnID
	webBySession     map[string]ConnID
	sessionsByDevice map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:            make(map[ConnID]Conn),
		phoneByDevice:    make(map[string]ConnID),
		webBySession:     make(map[string]ConnID),
		sessionsByDevice: make(map[string]map[string]struct{}),
	}
}

// Add places a connection in the arena and returns its handle.
func (r *Registry) Add(conn Conn) ConnID {
	id := ConnID(uuid.NewString())

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	return id
}

// Remove drops a connection from the arena. Bindings pointing at the id are
// expected to have been unbound first; Remove itself is idempotent.
func (r *Registry) Remove(id ConnID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// BindPhone maps a device to its phone connection, silently replacing any
// previous binding (last register wins).
func (r *Registry) BindPhone(deviceID string, id ConnID) {
	r.mu.Lock()
	r.phoneByDevice[deviceID] = id
	r.mu.Unlock()
}

// BindWeb maps a session token to its web connection and adds the token to
// the device fan-out set.
func (r *Registry) BindWeb(sessionToken, deviceID string, id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.webBySession[sessionToken] = id
	if r.sessionsByDevice[deviceID] == nil {
		r.sessionsByDevice[deviceID] = make(map[string]struct{})
	}
	r.sessionsByDevice[deviceID][sessionToken] = struct{}{}
}

// UnbindPhone removes the phone binding and returns the session tokens
// currently fanned out from that device, so the caller can notify the web
// peers. The binding is only removed while it still points at id; a stale
// disconnect racing a re-registration leaves the new binding alone.
func (r *Registry) UnbindPhone(deviceID string, id ConnID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.phoneByDevice[deviceID]
	if !ok || current != id {
		return nil
	}
	delete(r.phoneByDevice, deviceID)

	tokens := make([]string, 0, len(r.sessionsByDevice[deviceID]))
	for token := range r.sessionsByDevice[deviceID] {
		tokens = append(tokens, token)
	}
	return tokens
}

// UnbindWeb removes the web binding and the token from the device fan-out
// set, deleting the set when it empties. Idempotent under double
// disconnect, and guarded against stale bindings the same way as
// UnbindPhone.
func (r *Registry) UnbindWeb(sessionToken, deviceID string, id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.webBySession[sessionToken]
	if !ok || current != id {
		return
	}
	delete(r.webBySession, sessionToken)

	if set, ok := r.sessionsByDevice[deviceID]; ok {
		delete(set, sessionToken)
		if len(set) == 0 {
			delete(r.sessionsByDevice, deviceID)
		}
	}
}

// Phone returns the live phone connection for a device, or nil.
func (r *Registry) Phone(deviceID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.phoneByDevice[deviceID]
	if !ok {
		return nil
	}
	return r.conns[id]
}

// Web returns the live web connection for a session token, or nil.
func (r *Registry) Web(sessionToken string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.webBySession[sessionToken]
	if !ok {
		return nil
	}
	return r.conns[id]
}

// SessionsForDevice returns the session tokens currently bound to a
// device. Empty slice when none.
func (r *Registry) SessionsForDevice(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]string, 0, len(r.sessionsByDevice[deviceID]))
	for token := range r.sessionsByDevice[deviceID] {
		tokens = append(tokens, token)
	}
	return tokens
}

// ConnCount reports the arena size.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
