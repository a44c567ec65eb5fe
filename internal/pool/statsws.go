package pool

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zion-network/zion-chain/internal/log"
)

// statsHub fans a share event out to every connected operator dashboard
// client over a websocket, independent of the Stratum TCP protocol the
// miners themselves speak on. Purely observational — a dashboard client
// disconnecting or falling behind never affects share validation.
type statsHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan shareEvent
}

type shareEvent struct {
	Worker     string    `json:"worker"`
	Difficulty float64   `json:"difficulty"`
	At         time.Time `json:"at"`
}

// NewDashboard creates a dashboard hub for Coordinator.AttachDashboard.
// Origin checking is left to the embedding HTTP server's own CORS/allowlist
// middleware.
func NewDashboard() *statsHub {
	return newStatsHub()
}

func newStatsHub() *statsHub {
	return &statsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan shareEvent),
	}
}

// Handler upgrades incoming HTTP requests to websocket dashboard feeds.
func (h *statsHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Pool.Debug().Err(err).Msg("dashboard websocket upgrade failed")
			return
		}
		ch := make(chan shareEvent, 32)

		h.mu.Lock()
		h.clients[conn] = ch
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()

		// Drain the read side so pongs/close frames are processed; the
		// dashboard never sends meaningful messages.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for ev := range ch {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// broadcastShare pushes one accepted share to every connected dashboard
// client. Slow clients are dropped rather than allowed to block share
// processing.
func (h *statsHub) broadcastShare(worker string, difficulty float64) {
	ev := shareEvent{Worker: worker, Difficulty: difficulty, At: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}
