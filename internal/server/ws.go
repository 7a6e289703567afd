package server

import (
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"opsline/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// registerEventStream serves mission events over a websocket, fed by
// the in-process bus. The stream starts at subscription time; missed
// history is available from the polling endpoint.
func registerEventStream(router chi.Router, basePath string, e engine.Engine) {
	router.Get(path.Join(basePath, "events/stream"), func(w http.ResponseWriter, r *http.Request) {
		if _, authErr := actorIDFromContext(r.Context()); authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch := e.Bus.Subscribe()
		defer e.Bus.Unsubscribe(ch)

		closed := make(chan struct{})
		go func() {
			// Drain client frames to detect disconnect.
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case n := <-ch:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(n); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}
