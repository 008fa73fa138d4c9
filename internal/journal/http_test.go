package journal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"fvgscanner/internal/fvg"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_HistoryHandler(t *testing.T) {
	j := openTestJournal(t, 0)
	require.NoError(t, j.Record(context.Background(), lifecycle("BTCUSDT")))
	require.NoError(t, j.Record(context.Background(), lifecycle("ETHUSDT")[:1]))

	srv := httptest.NewServer(HistoryHandler(j))
	defer srv.Close()

	tests := []struct {
		name        string
		query       string
		status      int
		events      int
		description string
	}{
		{
			name:        "All events",
			query:       "?symbol=BTCUSDT",
			status:      http.StatusOK,
			events:      3,
			description: "Default limit covers the whole lifecycle",
		},
		{
			name:        "Limited",
			query:       "?symbol=btc-usdt&limit=1",
			status:      http.StatusOK,
			events:      1,
			description: "Symbols are normalized and the limit applies",
		},
		{
			name:        "Unknown symbol",
			query:       "?symbol=SOLUSDT",
			status:      http.StatusOK,
			events:      0,
			description: "Symbols without events return an empty list",
		},
		{
			name:        "Missing symbol",
			query:       "",
			status:      http.StatusBadRequest,
			description: "A symbol is required",
		},
		{
			name:        "Bad limit",
			query:       "?symbol=BTCUSDT&limit=-3",
			status:      http.StatusBadRequest,
			description: "Limits must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tt.status, resp.StatusCode, tt.description)
			if tt.status != http.StatusOK {
				return
			}

			var body HistoryResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Len(t, body.Events, tt.events, tt.description)
			assert.NotNil(t, body.Events)
			assert.Equal(t, int64(2), body.Totals[fvg.EventCreated])
			assert.Equal(t, int64(1), body.Totals[fvg.EventRetired])
		})
	}

	t.Run("Newest first", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "?symbol=BTCUSDT&limit=1")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body HistoryResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Events, 1)
		assert.Equal(t, "retired", body.Events[0].Kind)
		assert.Equal(t, "BTCUSDT", body.Symbol)
	})

	t.Run("Only GET", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"?symbol=BTCUSDT", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
