package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("transport not connected")

// WebSocketConfig represents the WebSocket client configuration
type WebSocketConfig struct {
	URL               string            `yaml:"url" json:"url"`
	HandshakeTimeout  time.Duration     `yaml:"handshake_timeout" json:"handshake_timeout"`
	WriteWait         time.Duration     `yaml:"write_wait" json:"write_wait"`
	MaxMessageSize    int64             `yaml:"max_message_size" json:"max_message_size"`
	ReadBufferSize    int               `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize   int               `yaml:"write_buffer_size" json:"write_buffer_size"`
	EnableCompression bool              `yaml:"enable_compression" json:"enable_compression"`
	Headers           map[string]string `yaml:"headers" json:"headers"`
}

// DefaultWebSocketConfig returns the default WebSocket client configuration
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		URL:               "ws://localhost:8080/ws",
		HandshakeTimeout:  10 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    1 << 20, // 1MB
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
	}
}

// validateWebSocketConfig validates the WebSocket client configuration
func validateWebSocketConfig(config *WebSocketConfig) error {
	if config == nil {
		return errors.New("websocket configuration cannot be nil")
	}
	if config.URL == "" {
		return errors.New("websocket URL cannot be empty")
	}
	if config.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if config.WriteWait <= 0 {
		return errors.New("write wait must be positive")
	}
	if config.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	return nil
}

// WebSocketClient is a Transport over a single gorilla/websocket
// connection. Writes are serialized by a mutex; reads run on a dedicated
// pump goroutine that dispatches frames to the installed callbacks.
type WebSocketClient struct {
	config *WebSocketConfig
	logger *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	open      bool
	callbacks Callbacks
	done      chan struct{}

	writeMu sync.Mutex
}

// NewWebSocketClient creates a WebSocket transport client
func NewWebSocketClient(config *WebSocketConfig, logger *zap.Logger) (*WebSocketClient, error) {
	if config == nil {
		config = DefaultWebSocketConfig()
	}
	if err := validateWebSocketConfig(config); err != nil {
		return nil, fmt.Errorf("invalid websocket configuration: %w", err)
	}

	return &WebSocketClient{
		config: config,
		logger: logger,
	}, nil
}

// SetCallbacks installs the lifecycle callbacks.
func (c *WebSocketClient) SetCallbacks(callbacks Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = callbacks
}

// Connect dials the configured URL and starts the read pump.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	callbacks := c.callbacks
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.config.HandshakeTimeout,
		ReadBufferSize:    c.config.ReadBufferSize,
		WriteBufferSize:   c.config.WriteBufferSize,
		EnableCompression: c.config.EnableCompression,
	}

	header := http.Header{}
	for key, value := range c.config.Headers {
		header.Set(key, value)
	}

	conn, _, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		c.logger.Warn("WebSocket dial failed",
			zap.String("url", c.config.URL),
			zap.Error(err))
		if callbacks.OnConnectError != nil {
			callbacks.OnConnectError(err)
		}
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	conn.SetReadLimit(c.config.MaxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readPump(conn, done, callbacks)

	c.logger.Info("WebSocket connected", zap.String("url", c.config.URL))
	if callbacks.OnConnected != nil {
		callbacks.OnConnected()
	}
	return nil
}

// Close tears down the connection.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	deadline := time.Now().Add(c.config.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	err := conn.Close()
	c.logger.Info("WebSocket closed")
	return err
}

// IsOpen reports whether the connection is established.
func (c *WebSocketClient) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Emit sends one event frame.
func (c *WebSocketClient) Emit(event string, data interface{}) error {
	c.mu.RLock()
	conn := c.conn
	open := c.open
	c.mu.RUnlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	var payload json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		payload = encoded
	}

	frame := Frame{
		Event: event,
		Data:  payload,
		TS:    time.Now().UnixMilli(),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	return nil
}

// Ping sends an application-level ping with the given send timestamp.
func (c *WebSocketClient) Ping(sentAt time.Time) error {
	return c.Emit("ping", map[string]int64{"ts": sentAt.UnixMilli()})
}

// readPump reads frames until the connection drops and dispatches them.
func (c *WebSocketClient) readPump(conn *websocket.Conn, done chan struct{}, callbacks Callbacks) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasOpen := c.open
			c.open = false
			c.conn = nil
			c.mu.Unlock()

			if wasOpen {
				c.logger.Warn("WebSocket connection lost", zap.Error(err))
				if callbacks.OnDisconnected != nil {
					callbacks.OnDisconnected(err)
				}
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Discarding malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(frame, callbacks)
	}
}

// dispatch routes one inbound frame to the matching callback.
func (c *WebSocketClient) dispatch(frame Frame, callbacks Callbacks) {
	switch frame.Event {
	case "pong":
		if callbacks.OnPong == nil {
			return
		}
		var body struct {
			TS int64 `json:"ts"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			c.logger.Warn("Discarding malformed pong", zap.Error(err))
			return
		}
		callbacks.OnPong(time.UnixMilli(body.TS))

	case "rate_limit":
		if callbacks.OnRateLimit == nil {
			return
		}
		var body struct {
			RetryAfterMS int64 `json:"retry_after_ms"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			c.logger.Warn("Discarding malformed rate-limit notice", zap.Error(err))
			return
		}
		callbacks.OnRateLimit(time.Duration(body.RetryAfterMS) * time.Millisecond)

	case "health":
		if callbacks.OnHealthPush != nil {
			callbacks.OnHealthPush(frame.Data)
		}

	default:
		if callbacks.OnMessage != nil {
			callbacks.OnMessage(frame.Event, frame.Data)
		}
	}
}
