package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/oracle"
	"github.com/openperp/simex/pkg/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the outer handler.
		return true
	},
}

// wsClient ties one WebSocket connection to its hub registration.
type wsClient struct {
	server   *Server
	conn     *websocket.Conn
	sub      *pubsub.Conn
	identity *Identity // nil for unauthenticated sockets
}

// handleWebSocket upgrades the connection and starts the pumps. A bad token
// is rejected outright; a missing one restricts the socket to public topics.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var identity *Identity
	if token := bearerToken(r); token != "" {
		id, err := s.parseToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid bearer token")
			return
		}
		identity = &id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	c := &wsClient{
		server:   s,
		conn:     conn,
		sub:      s.hub.Register(),
		identity: identity,
	}
	s.metrics.WSConnections.Inc()

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		c.server.metrics.WSConnections.Dec()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Debugw("ws_read_error", "err", err)
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid message")
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.subscribe(ch)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				c.sub.Unsubscribe(ch)
			}
		default:
			c.sendError("unknown op: " + req.Op)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.sub.Closed():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe validates the channel and its access gate, registers it, and
// seeds snapshots where the topic promises one.
func (c *wsClient) subscribe(channel string) {
	parts := strings.Split(channel, ":")
	class := parts[0]

	switch class {
	case "price":
		if channel != oracle.BatchTopic && !c.knownSymbol(parts) {
			c.sendError("unknown market in channel " + channel)
			return
		}

	case "trades":
		if !c.knownSymbol(parts) {
			c.sendError("unknown market in channel " + channel)
			return
		}

	case "orderbook":
		if !c.knownSymbol(parts) {
			c.sendError("unknown market in channel " + channel)
			return
		}
		c.sub.Subscribe(channel)
		c.sendOrderbookSnapshot(parts[1])
		c.server.metrics.WSSubscriptions.WithLabelValues(class).Inc()
		return

	case "candles":
		if len(parts) != 3 || !c.server.registry.Exists(parts[1]) {
			c.sendError("invalid candles channel " + channel)
			return
		}
		if _, err := candles.Parse(parts[2]); err != nil {
			c.sendError(err.Error())
			return
		}

	case "funding":
		// Funding events come from outside the matching core; the channel is
		// public and keyed like the other per-market classes.
		if !c.knownSymbol(parts) {
			c.sendError("unknown market in channel " + channel)
			return
		}

	case "xp":
		// XP events ride the caller's own user topic.
		if c.identity == nil {
			c.sendError("not authorized for channel " + channel)
			return
		}
		channel = pubsub.UserTopic(c.identity.Address)

	case "user":
		// Identity must match the address.
		if len(parts) != 2 || !common.IsHexAddress(parts[1]) {
			c.sendError("invalid user channel " + channel)
			return
		}
		if c.identity == nil || c.identity.Address != common.HexToAddress(parts[1]) {
			c.sendError("not authorized for channel " + channel)
			return
		}
		// Normalize so the topic matches producer-side keys.
		channel = pubsub.UserTopic(c.identity.Address)

	default:
		c.sendError("unknown channel class " + class)
		return
	}

	c.sub.Subscribe(channel)
	c.server.metrics.WSSubscriptions.WithLabelValues(class).Inc()
}

func (c *wsClient) knownSymbol(parts []string) bool {
	return len(parts) == 2 && c.server.registry.Exists(parts[1])
}

// sendOrderbookSnapshot delivers the current depth to a fresh subscriber so
// subsequent deltas apply to a known base state.
func (c *wsClient) sendOrderbookSnapshot(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bids, asks, err := c.server.engine.Snapshot(ctx, symbol, 0)
	if err != nil {
		c.sendError("snapshot failed for " + symbol)
		return
	}
	c.sub.Send("orderbook:snapshot", pubsub.OrderbookTopic(symbol), OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *wsClient) sendError(msg string) {
	c.sub.Send("error", "", map[string]string{"message": msg})
}
