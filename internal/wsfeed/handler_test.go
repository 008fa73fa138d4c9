package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fvgscanner/internal/model"
	"fvgscanner/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func startHub(t *testing.T) (*service.Hub, context.CancelFunc) {
	t.Helper()
	cfg := service.DefaultHubConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.MaxSymbolsAllowed = 5
	hub := service.NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.Start(ctx))
	return hub, cancel
}

func startServer(t *testing.T, hub Hub) string {
	t.Helper()
	server := httptest.NewServer(NewHandler(hub, Options{}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func read(t *testing.T, c *websocket.Conn) model.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg model.Message
	require.NoError(t, wsjson.Read(ctx, c, &msg))
	return msg
}

func Test_ParseSymbols(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{name: "Empty", raw: "", expected: nil},
		{name: "Blank", raw: "  ", expected: nil},
		{name: "Single", raw: "btcusdt", expected: []string{"BTCUSDT"}},
		{name: "Mixed", raw: "ETH-USDT,btcusdt,,BTCUSDT", expected: []string{"BTCUSDT", "ETHUSDT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseSymbols(tt.raw))
		})
	}
}

func Test_Handler_StreamsMessages(t *testing.T) {
	hub, _ := startHub(t)
	url := startServer(t, hub)

	c := dial(t, url+"?symbols=BTCUSDT")
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.PublishPrice(model.PriceTick{Symbol: "ETHUSDT", Price: 3000, Time: time.Now()})
	hub.PublishPrice(model.PriceTick{Symbol: "BTCUSDT", Price: 67000, Time: time.Now()})

	msg := read(t, c)
	assert.Equal(t, model.MessageTypePrice, msg.Type)
	require.NotNil(t, msg.Price)
	assert.Equal(t, "BTCUSDT", msg.Price.Symbol, "other symbols are filtered")
	assert.Equal(t, 67000.0, msg.Price.Price)

	require.NoError(t, hub.PublishRecords(context.Background(), []model.GapRecord{
		{Version: model.RecordVersion, Symbol: "BTCUSDT", Timeframe: "4h", Direction: "Bullish", Top: 110, Bottom: 100},
	}))

	msg = read(t, c)
	assert.Equal(t, model.MessageTypeGaps, msg.Type)
	require.Len(t, msg.Gaps, 1)
	assert.Equal(t, 110.0, msg.Gaps[0].Top)
}

func Test_Handler_DisconnectUnsubscribes(t *testing.T) {
	hub, _ := startHub(t)
	url := startServer(t, hub)

	c := dial(t, url)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func Test_Handler_HubShutdownClosesSocket(t *testing.T) {
	hub, cancel := startHub(t)
	url := startServer(t, hub)

	c := dial(t, url)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func Test_Handler_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		description string
		query       string
		started     bool
		status      int
	}{
		{
			name:        "Invalid symbol",
			description: "Unsupported quote assets are rejected before the upgrade",
			query:       "?symbols=BTCEUR",
			started:     true,
			status:      http.StatusBadRequest,
		},
		{
			name:        "Too many symbols",
			description: "The hub limit is enforced",
			query:       "?symbols=BTCUSDT,ETHUSDT,SOLUSDT,XRPUSDT,ADAUSDT,DOGEUSDT",
			started:     true,
			status:      http.StatusBadRequest,
		},
		{
			name:        "Hub not running",
			description: "Subscribing before the hub starts is unavailable",
			status:      http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hub *service.Hub
			if tt.started {
				hub, _ = startHub(t)
			} else {
				hub = service.NewHub(service.DefaultHubConfig())
			}
			server := httptest.NewServer(NewHandler(hub, Options{}))
			defer server.Close()

			resp, err := http.Get(server.URL + tt.query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode, tt.description)
		})
	}
}
