package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type streamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// handleStream pushes prices, connection state, ledger snapshots and
// throttled order books (optionally filtered by ?symbol=) to a rendering
// client. Slow clients lose events rather than stall the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Stream upgrade failed")
		return
	}

	send := make(chan []byte, streamSendBuffer)
	push := func(kind string, data interface{}) {
		msg, err := json.Marshal(streamEvent{Type: kind, Data: data})
		if err != nil {
			s.logger.WithError(err).WithField("type", kind).Error("Failed to encode stream event")
			return
		}
		select {
		case send <- msg:
		default:
			s.logger.WithField("type", kind).Debug("Dropping stream event for slow client")
		}
	}

	throttle := s.opts.BookThrottle
	if throttle == 0 {
		throttle = 500 * time.Millisecond
	}

	unsubs := []func(){
		s.sim.Books().Subscribe(r.URL.Query().Get("symbol"), throttle, func(b models.OrderBook) { push("orderbook", b) }),
		s.sim.Feed().OnStateChange(func(state models.ConnectionState) { push("connection", state) }),
		s.sim.Feed().OnPriceUpdate(func(snap models.TickSnapshot) { push("prices", snap) }),
		s.sim.Ledger().OnChange(func(snap ledger.Snapshot) { push("ledger", snap) }),
	}

	done := make(chan struct{})
	go s.streamWriter(conn, send, done)

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Warn("Stream client closed unexpectedly")
			}
			break
		}
	}

	for _, u := range unsubs {
		u()
	}
	close(done)
	conn.Close()
}

func (s *Server) streamWriter(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
