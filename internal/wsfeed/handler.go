// Package wsfeed serves hub messages to browser clients over WebSocket.
//
// Clients connect to /ws?symbols=BTCUSDT,ETHUSDT (no symbols means all) and
// receive every Message as one JSON text frame. Frames sent by the client
// are ignored.
package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fvgscanner/internal/model"
	"fvgscanner/internal/service"
	"fvgscanner/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Hub is the subscription side of service.Hub.
type Hub interface {
	Subscribe(symbols []string) (*service.Subscriber, error)
	Unsubscribe(sub *service.Subscriber) error
}

// Options tunes the handler.
type Options struct {
	OriginPatterns []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

// Handler streams hub messages to WebSocket clients.
type Handler struct {
	hub    Hub
	opts   Options
	logger zerolog.Logger
}

// NewHandler creates a handler. Zero options take defaults.
func NewHandler(hub Hub, opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Handler{
		hub:    hub,
		opts:   opts,
		logger: log.With().Str("component", "wsfeed").Logger(),
	}
}

// ParseSymbols splits a comma separated query value.
func ParseSymbols(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return utils.NormalizeSymbols(strings.Split(raw, ","))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	symbols := ParseSymbols(r.URL.Query().Get("symbols"))
	for _, s := range symbols {
		if err := utils.ValidateSymbol(s); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	sub, err := h.hub.Subscribe(symbols)
	switch {
	case errors.Is(err, service.ErrHubNotStarted), errors.Is(err, service.ErrHubBusy):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer h.hub.Unsubscribe(sub)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "internal error")

	logger := h.logger.With().Str("subscriber", sub.ID()).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Strs("symbols", symbols).Msg("websocket subscriber connected")

	ctx := c.CloseRead(r.Context())
	err = h.stream(ctx, c, sub)

	status := websocket.CloseStatus(err)
	switch {
	case err == nil:
		c.Close(websocket.StatusGoingAway, "server shutting down")
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled):
		logger.Info().Msg("websocket subscriber disconnected")
	default:
		logger.Warn().Err(err).Int64("dropped", sub.Dropped()).Msg("websocket subscriber failed")
	}
}

// stream forwards messages until the client leaves, a write fails or the hub
// closes the subscription, which returns nil.
func (h *Handler) stream(ctx context.Context, c *websocket.Conn, sub *service.Subscriber) error {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := h.write(ctx, c, msg); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, c *websocket.Conn, msg model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, msg)
}
