package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

const DefaultReconnectDelay = 3 * time.Second

// RealtimeEvent is one decoded frame. Exactly one payload is set,
// matching Type.
type RealtimeEvent struct {
	Type     models.RealtimeMessageType
	Progress *models.ProgressData
	Status   *models.StatusData
	Error    *models.ErrorData
}

// RealtimeHandler receives the events of one SetTask call. Callbacks run
// on the connection goroutine.
type RealtimeHandler struct {
	OnEvent func(RealtimeEvent)
	// OnState is called once per connection attempt: connected after a
	// successful dial, or not connected with the cause after a failure or
	// an abnormal close. A normal close reports no error.
	OnState func(connected bool, err error)
}

// RealtimeClient keeps a websocket open to the channel of one task.
// Abnormal closures schedule a single reconnect after a fixed delay;
// every failed attempt schedules the next one. A normal closure never
// reconnects.
type RealtimeClient struct {
	baseURL        string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	dialer         *websocket.Dialer
	logger         *utils.Logger

	mu         sync.Mutex
	gen        uint64
	key        string
	handler    RealtimeHandler
	conn       *websocket.Conn
	timer      *time.Timer
	reconnects int
}

func NewRealtimeClient(baseURL string, reconnectDelay time.Duration, logger *utils.Logger) *RealtimeClient {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &RealtimeClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		reconnectDelay: reconnectDelay,
		dialTimeout:    10 * time.Second,
		dialer:         websocket.DefaultDialer,
		logger:         logger,
	}
}

// ChannelURL is the websocket address of a task's channel.
func (c *RealtimeClient) ChannelURL(key string) string {
	return fmt.Sprintf("%s/tasks/%s/ws", c.baseURL, url.PathEscape(key))
}

// SetTask switches the channel to key. Any open connection is closed
// normally and any pending reconnect is cancelled first. An empty key
// only tears down.
func (c *RealtimeClient) SetTask(key string, handler RealtimeHandler) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.teardownLocked()
	c.key = key
	c.handler = handler
	c.mu.Unlock()

	if key == "" {
		return
	}
	go c.connect(gen, key)
}

// Close tears down the current connection without opening another.
func (c *RealtimeClient) Close() {
	c.SetTask("", RealtimeHandler{})
}

// Connected reports whether a connection is currently open.
func (c *RealtimeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Reconnects counts the reconnects scheduled since the client was built.
func (c *RealtimeClient) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *RealtimeClient) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		closeNormally(c.conn)
		c.conn = nil
		c.logger.WithTaskKey(c.key).Debug("Realtime channel closed")
	}
}

func (c *RealtimeClient) current(gen uint64) (RealtimeHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler, gen == c.gen
}

func (c *RealtimeClient) connect(gen uint64, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	conn, _, err := c.dialer.DialContext(ctx, c.ChannelURL(key), nil)
	cancel()

	handler, ok := c.current(gen)
	if !ok {
		if err == nil {
			closeNormally(conn)
		}
		return
	}

	if err != nil {
		c.logger.WithTaskKey(key).WithError(err).Warn("Realtime channel connection failed")
		if handler.OnState != nil {
			handler.OnState(false, err)
		}
		c.scheduleReconnect(gen, key)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeNormally(conn)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.WithTaskKey(key).Info("Realtime channel connected")
	if handler.OnState != nil {
		handler.OnState(true, nil)
	}

	c.readLoop(gen, key, conn, handler)
}

func (c *RealtimeClient) readLoop(gen uint64, key string, conn *websocket.Conn, handler RealtimeHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, key, conn, handler, err)
			return
		}

		event, perr := ParseRealtimeMessage(data)
		if perr != nil {
			c.logger.WithTaskKey(key).WithError(perr).Warn("Skipping unparseable realtime message")
			continue
		}

		if _, ok := c.current(gen); !ok {
			return
		}
		if handler.OnEvent != nil {
			handler.OnEvent(event)
		}
	}
}

func (c *RealtimeClient) handleClose(gen uint64, key string, conn *websocket.Conn, handler RealtimeHandler, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.WithTaskKey(key).Info("Realtime channel closed normally")
		if handler.OnState != nil {
			handler.OnState(false, nil)
		}
		return
	}

	c.logger.WithTaskKey(key).WithError(err).Warn("Realtime channel closed abnormally")
	if handler.OnState != nil {
		handler.OnState(false, err)
	}
	c.scheduleReconnect(gen, key)
}

func (c *RealtimeClient) scheduleReconnect(gen uint64, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.key == "" {
		return
	}
	c.reconnects++
	c.logger.WithTaskKey(key).
		WithField("delay", c.reconnectDelay).
		Info("Scheduling realtime reconnect")

	c.timer = time.AfterFunc(c.reconnectDelay, func() {
		if _, ok := c.current(gen); !ok {
			return
		}
		c.connect(gen, key)
	})
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// ParseRealtimeMessage decodes one frame of the task channel.
func ParseRealtimeMessage(data []byte) (RealtimeEvent, error) {
	var msg models.RealtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RealtimeEvent{}, fmt.Errorf("decode realtime envelope: %w", err)
	}

	event := RealtimeEvent{Type: msg.Type}
	var target any
	switch msg.Type {
	case models.RealtimeProgress:
		event.Progress = &models.ProgressData{}
		target = event.Progress
	case models.RealtimeStatus:
		event.Status = &models.StatusData{}
		target = event.Status
	case models.RealtimeError:
		event.Error = &models.ErrorData{}
		target = event.Error
	default:
		return RealtimeEvent{}, fmt.Errorf("unknown realtime message type %q", msg.Type)
	}

	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return RealtimeEvent{}, fmt.Errorf("realtime %s message has no data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return RealtimeEvent{}, fmt.Errorf("decode realtime %s data: %w", msg.Type, err)
	}
	return event, nil
}
