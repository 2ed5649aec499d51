package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/smsbridge/relay-server-go/internal/relay"
	"github.com/smsbridge/relay-server-go/internal/ws"
)

type WSHandler struct {
	dispatcher *relay.Dispatcher
	upgrader   websocket.Upgrader
}

func NewWSHandler(dispatcher *relay.Dispatcher, allowedOrigin string) *WSHandler {
	return &WSHandler{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

// ServeHTTP upgrades the connection and runs its read loop. Events are
// handed to the dispatcher one at a time, so everything a single
// connection does is processed sequentially.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	peer := ws.NewPeer(conn)
	client := h.dispatcher.Connect(peer)

	defer func() {
		h.dispatcher.Disconnect(client)
		peer.Close()
	}()

	for {
		env, err := peer.Read()
		if err != nil {
			if !ws.IsExpectedClose(err) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if env.Event == "" {
			continue
		}

		h.dispatcher.Dispatch(r.Context(), client, env)
	}
}
