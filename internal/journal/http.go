package journal

import (
	"net/http"
	"strconv"

	"fvgscanner/internal/fvg"
	"fvgscanner/internal/utils"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HistoryResponse is the body served by HistoryHandler.
type HistoryResponse struct {
	Symbol string                  `json:"symbol"`
	Events []GapEvent              `json:"events"`
	Totals map[fvg.EventKind]int64 `json:"totals"`
}

// HistoryHandler serves the newest journal events of one symbol together with
// the stored totals per event kind.
//
//	GET /history?symbol=BTCUSDT&limit=50
func HistoryHandler(j *Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		symbol := utils.NormalizeSymbol(r.URL.Query().Get("symbol"))
		if err := utils.ValidateSymbol(symbol); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		events, err := j.History(r.Context(), symbol, limit)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("journal history query failed")
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		totals, err := j.CountByKind(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("journal totals query failed")
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []GapEvent{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HistoryResponse{Symbol: symbol, Events: events, Totals: totals})
	})
}
