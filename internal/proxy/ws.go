package proxy

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kelpejol/xdr/internal/trace"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// A local simulation tool serves dashboards from file:// and random dev
// ports, so origin checks stay open.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents handles GET /_xdr/events: upgrades to a websocket and pushes
// every committed trace as a JSON message until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id, ch := s.bus.Subscribe()
	if id < 0 {
		conn.Close()
		return
	}

	s.log.Debug().Int("subscriber", id).Msg("event feed client connected")

	client := &feedClient{conn: conn, events: ch, log: s.log}
	go client.writePump()
	client.readPump()

	s.bus.Unsubscribe(id)
	s.log.Debug().Int("subscriber", id).Msg("event feed client disconnected")
}

// feedClient is one websocket subscriber to the trace feed.
type feedClient struct {
	conn   *websocket.Conn
	events <-chan trace.Trace
	log    zerolog.Logger
}

// writePump pushes traces and keepalive pings to the peer. It exits when the
// subscription channel closes or a write fails, closing the connection so
// readPump unblocks.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case tr, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(tr); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages and keeps the pong deadline fresh. The
// feed is one-directional; reads exist only to notice disconnects.
func (c *feedClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
