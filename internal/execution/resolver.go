package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// ErrNoContract is returned when no option contract satisfies the filters.
var ErrNoContract = errors.New("execution: no option contract")

// Catalog lists the broker's tradeable contracts.
type Catalog interface {
	Instruments(ctx context.Context) ([]model.Instrument, error)
}

// Quoter returns a last traded price in paise.
type Quoter interface {
	LTP(ctx context.Context, exchange, tradingSymbol, token string) (int64, error)
}

// Spot identifies the index whose price anchors the ATM strike.
type Spot struct {
	Exchange      string
	TradingSymbol string
	Token         string
}

// DefaultSpots are the NSE index quotes per class.
func DefaultSpots() map[string]Spot {
	return map[string]Spot{
		model.ClassNifty:     {Exchange: "NSE", TradingSymbol: "Nifty 50", Token: "99926000"},
		model.ClassBankNifty: {Exchange: "NSE", TradingSymbol: "Nifty Bank", Token: "99926009"},
	}
}

// DefaultStrikeSteps are the strike increments per class, in paise.
func DefaultStrikeSteps() map[string]int64 {
	return map[string]int64{
		model.ClassNifty:     50 * 100,
		model.ClassBankNifty: 100 * 100,
	}
}

// ATMStrike rounds ltp to the nearest multiple of step (half up).
func ATMStrike(ltp, step int64) int64 {
	if step <= 0 {
		return ltp
	}
	return (ltp + step/2) / step * step
}

// OptionResolver picks the option contract for a live entry: CE for long,
// PE for short, nearest expiry with at least the minimum days left, then
// nearest to ATM, skipping strikes other open positions already hold.
type OptionResolver struct {
	catalog Catalog
	quoter  Quoter
	spots   map[string]Spot
	steps   map[string]int64
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	day      string
	options  []model.Instrument // index options of today's catalog
	loadedAt time.Time

	// CatalogTimeout bounds one scrip master download (default 2m).
	CatalogTimeout time.Duration
}

// NewOptionResolver creates a resolver with the default spots and steps.
func NewOptionResolver(catalog Catalog, quoter Quoter, timeout time.Duration) *OptionResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OptionResolver{
		catalog: catalog,
		quoter:  quoter,
		spots:   DefaultSpots(),
		steps:   DefaultStrikeSteps(),
		timeout: timeout,
		log:     logger.Component("option-resolver"),

		CatalogTimeout: 2 * time.Minute,
	}
}

// Prefetch loads the day's catalog ahead of the first live signal. It is a
// no-op once the day is loaded.
func (r *OptionResolver) Prefetch(ctx context.Context, now time.Time) error {
	_, err := r.load(ctx, now)
	return err
}

// Resolve returns the contract for (class, dir) at now.
func (r *OptionResolver) Resolve(ctx context.Context, class string, dir model.Direction, minExpiryDays int, exclude map[int64]bool, now time.Time) (model.Instrument, error) {
	spot, ok := r.spots[class]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: unknown class %s", ErrNoContract, class)
	}
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	ltp, err := r.quoter.LTP(qctx, spot.Exchange, spot.TradingSymbol, spot.Token)
	cancel()
	if err != nil || ltp <= 0 {
		return model.Instrument{}, fmt.Errorf("%w: no ltp for %s: %v", ErrNoContract, class, err)
	}
	atm := ATMStrike(ltp, r.steps[class])

	options, err := r.load(ctx, now)
	if err != nil {
		return model.Instrument{}, fmt.Errorf("%w: catalog: %v", ErrNoContract, err)
	}

	optType := model.OptionCall
	if dir == model.Short {
		optType = model.OptionPut
	}
	today := markethours.StartOfDay(now)
	var candidates []model.Instrument
	for _, in := range options {
		if strings.ToUpper(in.Name) != class || in.OptionType != optType {
			continue
		}
		if daysBetween(today, in.Expiry) < minExpiryDays {
			continue
		}
		if exclude[in.Strike] {
			continue
		}
		candidates = append(candidates, in)
	}
	if len(candidates) == 0 {
		r.log.Warn("option resolve failed", "class", class, "direction", dir, "atm", atm, "min_expiry_days", minExpiryDays)
		return model.Instrument{}, fmt.Errorf("%w: %s %s atm=%d", ErrNoContract, class, optType, atm)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		da, db := abs(a.Strike-atm), abs(b.Strike-atm)
		if da != db {
			return da < db
		}
		return a.Strike < b.Strike
	})
	pick := candidates[0]
	r.log.Info("option resolved",
		"class", class,
		"direction", dir,
		"ltp", ltp,
		"atm", atm,
		"symbol", pick.TradingSymbol,
		"expiry", pick.Expiry.Format("2006-01-02"))
	return pick, nil
}

// load returns today's index options, fetching the catalog once per day.
func (r *OptionResolver) load(ctx context.Context, now time.Time) ([]model.Instrument, error) {
	day := markethours.SessionDate(now)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.day == day && r.options != nil {
		return r.options, nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.CatalogTimeout)
	defer cancel()
	started := time.Now()
	all, err := r.catalog.Instruments(cctx)
	if err != nil {
		r.log.Warn("option catalog download failed", "day", day, "took", time.Since(started), "error", err)
		return nil, err
	}
	opts := make([]model.Instrument, 0, 4096)
	for _, in := range all {
		if in.OptionType != model.OptionCall && in.OptionType != model.OptionPut {
			continue
		}
		if _, ok := r.spots[strings.ToUpper(in.Name)]; !ok {
			continue
		}
		opts = append(opts, in)
	}
	r.day, r.options, r.loadedAt = day, opts, time.Now()
	r.log.Info("option catalog loaded", "day", day, "options", len(opts), "took", time.Since(started))
	return opts, nil
}

// daysBetween counts IST calendar days from today to expiry.
func daysBetween(today, expiry time.Time) int {
	e := markethours.StartOfDay(expiry)
	return int(e.Sub(today).Hours() / 24)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
