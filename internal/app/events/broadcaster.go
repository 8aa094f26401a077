package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Broadcaster serves engine events over a websocket. Clients may filter to a
// single market with the ?market= query parameter.
type Broadcaster struct {
	bus      *Bus
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewBroadcaster returns a websocket handler fed by the bus.
func NewBroadcaster(bus *Bus, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.NewDefault("events-ws")
	}
	return &Broadcaster{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	marketFilter := r.URL.Query().Get("market")

	ch, cancel := b.bus.Subscribe(256)
	defer cancel()

	// Reader loop: discard inbound frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if marketFilter != "" && evt.MarketID != marketFilter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
