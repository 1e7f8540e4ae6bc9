package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/types"
)

const (
	clientOutboxSize = 256
	writeTimeout     = 10 * time.Second
	maxMessageSize   = 4096
)

// Client is one connected dashboard socket. Its view starts as Aggregate
// until the client sends set_view.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	view types.View
}

// View returns the client's current subscription.
func (c *Client) View() types.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Client) setView(view types.View) {
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()
}

// enqueue hands a message to the writer goroutine. A full outbox means the
// socket cannot keep up; the client is dropped rather than blocking the
// hub. The outbox channel is never closed, so concurrent senders cannot
// panic against a departing client.
func (c *Client) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		metrics.DashboardDrops.Inc()
		c.hub.logger.Info().Str("client", c.id).Msg("dropping slow dashboard client")
		c.hub.unregister(c)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ServeWS upgrades an HTTP request to a dashboard socket and runs its
// pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientOutboxSize),
		done: make(chan struct{}),
		view: types.AggregateView(),
	}

	h.register(client)
	h.logger.Info().Str("client", client.id).Str("remote", r.RemoteAddr).Msg("dashboard connected")

	go client.writePump()
	go client.readPump()

	client.sendInit()
}

// sendInit delivers the initial state payload for the client's view.
func (c *Client) sendInit() {
	if c.hub.cfg.InitState == nil {
		return
	}
	state, err := c.hub.cfg.InitState(c.View())
	if err != nil {
		c.hub.logger.Error().Err(err).Str("client", c.id).Msg("initial state build failed")
		return
	}
	c.enqueue(marshal("init", state))
}

// clientMessage is the envelope for everything a dashboard can send.
type clientMessage struct {
	Type        string          `json:"type"`
	View        json.RawMessage `json:"view"`
	Points      int             `json:"points"`
	IntervalSec int             `json:"interval_sec"`
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug().Str("client", c.id).Msg("unparseable client message")
			continue
		}

		switch msg.Type {
		case "set_view":
			view, err := ParseView(msg.View)
			if err != nil {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("bad set_view")
				continue
			}
			c.setView(view)
			c.sendInit()

		case "get_historical_performance":
			if c.hub.cfg.Historical == nil {
				continue
			}
			view := c.View()
			if len(msg.View) > 0 {
				if v, err := ParseView(msg.View); err == nil {
					view = v
				}
			}
			series, err := c.hub.cfg.Historical(view, msg.Points, msg.IntervalSec)
			if err != nil {
				c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("historical performance failed")
				continue
			}
			c.enqueue(marshal("performance_history", map[string]any{
				"view":   view.Key(),
				"series": series,
			}))

		default:
			c.hub.logger.Debug().Str("client", c.id).Str("msg_type", msg.Type).Msg("unknown client message")
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ParseView decodes a view value: the string "Aggregate" or a list of node
// names.
func ParseView(raw json.RawMessage) (types.View, error) {
	var sentinel string
	if err := json.Unmarshal(raw, &sentinel); err == nil {
		if sentinel == "Aggregate" {
			return types.AggregateView(), nil
		}
		return types.NodesView(sentinel), nil
	}

	var nodes []string
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return types.View{}, err
	}
	return types.NodesView(nodes...), nil
}
