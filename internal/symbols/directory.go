// Package symbols decides which perpetual contracts the scanner follows.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"fvgscanner/internal/exchange"
	"fvgscanner/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoSymbols is returned when neither the exchange nor the fallback list
// yields a symbol.
var ErrNoSymbols = errors.New("no symbols available")

// DefaultDelisted lists contracts that were delisted but linger in listings
// or old configuration.
var DefaultDelisted = []string{
	"DARUSDT", "BLZUSDT", "XEMUSDT", "ORBSUSDT", "LOOMUSDT", "MAVIAUSDT",
	"OMGUSDT", "BONDUSDT", "CVXUSDT", "RADUSDT", "STPTUSDT", "SNTUSDT",
	"MBLUSDT", "ANTUSDT", "DGBUSDT", "CTKUSDT", "COMBOUSDT", "BNXUSDT",
	"AGIXUSDT", "OCEANUSDT", "USDCUSDT",
}

// DefaultFallback is scanned when the exchange listing cannot be fetched
// and no earlier listing is cached.
var DefaultFallback = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "XRPUSDT", "ADAUSDT", "SOLUSDT",
	"DOTUSDT", "DOGEUSDT", "AVAXUSDT", "LINKUSDT", "LTCUSDT", "BCHUSDT",
	"XLMUSDT", "ATOMUSDT", "ETCUSDT", "FILUSDT", "TRXUSDT", "AAVEUSDT",
	"UNIUSDT", "NEARUSDT", "APTUSDT", "ARBUSDT", "OPUSDT", "SUIUSDT",
	"INJUSDT", "TIAUSDT", "SEIUSDT", "WLDUSDT", "1000PEPEUSDT", "1000SHIBUSDT",
}

// Static is a fixed symbol list.
type Static []string

// ListActiveSymbols returns the normalized list.
func (s Static) ListActiveSymbols(context.Context) ([]string, error) {
	out := utils.NormalizeSymbols(s)
	if len(out) == 0 {
		return nil, ErrNoSymbols
	}
	return out, nil
}

// ContractLister returns the raw futures contract listing.
type ContractLister interface {
	FetchContracts(ctx context.Context) ([]exchange.Contract, error)
}

// Options configures a Directory.
type Options struct {
	QuoteAsset string
	Delisted   []string
	Fallback   []string
}

// Directory lists trading USDT perpetuals from the exchange, minus the
// delisted set. When the exchange fails it serves the last good listing, or
// the fallback list when there is none.
type Directory struct {
	lister   ContractLister
	quote    string
	delisted map[string]struct{}
	fallback []string
	logger   zerolog.Logger

	mu       sync.Mutex
	lastGood []string
}

// NewDirectory creates a directory. Empty options take the package defaults.
func NewDirectory(lister ContractLister, opts Options) *Directory {
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}
	if opts.Delisted == nil {
		opts.Delisted = DefaultDelisted
	}
	if opts.Fallback == nil {
		opts.Fallback = DefaultFallback
	}

	d := &Directory{
		lister:   lister,
		quote:    strings.ToUpper(opts.QuoteAsset),
		delisted: make(map[string]struct{}, len(opts.Delisted)),
		logger:   log.With().Str("component", "symbols").Logger(),
	}
	for _, s := range opts.Delisted {
		d.delisted[utils.NormalizeSymbol(s)] = struct{}{}
	}
	d.fallback = d.exclude(utils.NormalizeSymbols(opts.Fallback))
	return d
}

// ListActiveSymbols returns the sorted symbols to scan.
func (d *Directory) ListActiveSymbols(ctx context.Context) ([]string, error) {
	contracts, err := d.lister.FetchContracts(ctx)
	if err == nil {
		if symbols := d.filter(contracts); len(symbols) > 0 {
			d.mu.Lock()
			d.lastGood = symbols
			d.mu.Unlock()
			return append([]string(nil), symbols...), nil
		}
		err = errors.New("listing contained no eligible contracts")
	}

	d.mu.Lock()
	cached := d.lastGood
	d.mu.Unlock()
	if len(cached) > 0 {
		d.logger.Warn().Err(err).Int("symbols", len(cached)).Msg("contract listing failed, serving cached symbols")
		return append([]string(nil), cached...), nil
	}
	if len(d.fallback) > 0 {
		d.logger.Warn().Err(err).Int("symbols", len(d.fallback)).Msg("contract listing failed, serving fallback symbols")
		return append([]string(nil), d.fallback...), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoSymbols, err)
}

func (d *Directory) filter(contracts []exchange.Contract) []string {
	symbols := make([]string, 0, len(contracts))
	for _, c := range contracts {
		if c.Status != "TRADING" || c.ContractType != "PERPETUAL" || c.QuoteAsset != d.quote {
			continue
		}
		// dated contracts carry an _YYMMDD suffix
		if strings.Contains(c.Symbol, "_") {
			continue
		}
		if utils.ValidateSymbol(c.Symbol) != nil {
			continue
		}
		symbols = append(symbols, c.Symbol)
	}
	return d.exclude(utils.NormalizeSymbols(symbols))
}

func (d *Directory) exclude(symbols []string) []string {
	out := symbols[:0:0]
	for _, s := range symbols {
		if _, ok := d.delisted[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
