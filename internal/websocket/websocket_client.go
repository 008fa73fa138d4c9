// Package websocket provides a WebSocket client for exchange market data streams.
//
// The client dials once, sends optional subscription frames, keeps the
// connection alive with pings and decodes every incoming frame into typed
// events. It does not reconnect: when the connection drops the Events channel
// is closed and the owner decides whether to dial again.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	defaultBufferSize = 1000
)

// ErrClientShuttingDown indicates that the client is in the process of shutting down.
var ErrClientShuttingDown = errors.New("client is shutting down")

// Config defines settings for the WebSocket client.
type Config[T any] struct {
	// Endpoint is the WebSocket URL to connect to.
	Endpoint string

	// Decode turns one frame into zero or more events. Frames that carry no
	// event (acks, heartbeats) return nil, nil.
	Decode func([]byte) ([]T, error)

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages. The read
	// deadline is twice this value.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// BufferSize is the capacity of the Events channel.
	BufferSize int

	// SubscriptionMessages contains messages to send immediately after connection.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client[T any] struct {
	conn atomic.Pointer[websocket.Conn]

	// Events delivers decoded events. It is closed when the read loop exits.
	Events chan T

	disconnect chan struct{}
	errChan    chan error
	decodeErrs atomic.Int64

	cfg    *Config[T]
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	once      sync.Once
	wg        sync.WaitGroup
}

// NewClient dials the endpoint, sends the subscription messages and starts
// the read and ping loops. The client shuts down when ctx is cancelled.
func NewClient[T any](ctx context.Context, cfg Config[T]) (*Client[T], error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Decode == nil {
		return nil, errors.New("message decoder is required")
	}

	if cfg.SubscriptionMessages == nil {
		cfg.SubscriptionMessages = [][]byte{}
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client[T]{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		Events:     make(chan T, cfg.BufferSize),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

func (c *Client[T]) run() (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "websocket").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	if err = c.extendReadDeadline(conn); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return c.extendReadDeadline(conn)
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err = c.write(conn, websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		c.closeConn()
	}()

	logger.Info().Msg("websocket client started")
	return nil
}

func (c *Client[T]) extendReadDeadline(conn *websocket.Conn) error {
	return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
}

func (c *Client[T]) readLoop() {
	conn := c.conn.Load()
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	defer func() {
		logger.Info().Int64("decodeErrors", c.decodeErrs.Load()).Msg("read loop exiting")
		c.cancel()
		close(c.disconnect)
		close(c.Events)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read stopped by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}

			select {
			case c.errChan <- err:
			default:
			}
			return
		}

		if err := c.extendReadDeadline(conn); err != nil {
			logger.Warn().Err(err).Msg("failed to extend read deadline")
		}

		events := c.decode(data)
		for _, ev := range events {
			select {
			case c.Events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// decode runs the decoder, recovering from panics so one bad frame cannot
// take the connection down.
func (c *Client[T]) decode(data []byte) (events []T) {
	defer func() {
		if r := recover(); r != nil {
			c.decodeErrs.Add(1)
			log.Error().Any("recover", r).Str("endpoint", c.cfg.Endpoint).Msg("panic in message decoder")
			events = nil
		}
	}()

	events, err := c.cfg.Decode(data)
	if err != nil {
		c.decodeErrs.Add(1)
		log.Debug().Err(err).Int("bytes", len(data)).Msg("frame dropped")
		return nil
	}
	return events
}

func (c *Client[T]) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	for {
		select {
		case <-ticker.C:
			conn := c.conn.Load()
			if conn == nil {
				continue
			}
			if err := c.write(conn, websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// write serializes writers; gorilla connections allow one concurrent writer.
func (c *Client[T]) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

func (c *Client[T]) closeConn() {
	c.closeOnce.Do(func() {
		conn := c.conn.Load()
		if conn == nil {
			return
		}

		c.writeMu.Lock()
		err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		if err != nil {
			log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("failed to send close frame")
		}

		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("error closing websocket connection")
		}
	})
}

// Close shuts the client down and waits for its goroutines. It is safe to
// call more than once.
func (c *Client[T]) Close() {
	c.once.Do(func() {
		c.cancel()
		c.closeConn()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("endpoint", c.cfg.Endpoint).Msg("timeout waiting for goroutines to complete")
		}
	})
}

func (c *Client[T]) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the client disconnects.
func (c *Client[T]) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits the terminal read error.
func (c *Client[T]) ErrChan() <-chan error {
	return c.errChan
}

// DecodeErrors returns how many frames failed to decode.
func (c *Client[T]) DecodeErrors() int64 {
	return c.decodeErrs.Load()
}
