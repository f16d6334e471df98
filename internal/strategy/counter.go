package strategy

import (
	"fmt"
	"strings"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/tradeconfig"
)

// DailyCounter counts emitted signals per direction for one
// (instrument, strategy) within one IST date.
type DailyCounter struct {
	Date   string
	counts map[model.Direction]int64
}

// NewDailyCounter creates a counter for date.
func NewDailyCounter(date string) *DailyCounter {
	return &DailyCounter{Date: date, counts: make(map[model.Direction]int64, 2)}
}

// Roll resets the counts when date differs from the counter's date.
func (c *DailyCounter) Roll(date string) {
	if c.Date == date {
		return
	}
	c.Date = date
	c.counts = make(map[model.Direction]int64, 2)
}

// Count returns the signals emitted today in dir.
func (c *DailyCounter) Count(dir model.Direction) int64 { return c.counts[dir] }

// Allow reports whether one more signal in dir stays within limit.
func (c *DailyCounter) Allow(dir model.Direction, limit int64) bool {
	return c.counts[dir] < limit
}

// Inc records an emitted signal.
func (c *DailyCounter) Inc(dir model.Direction) { c.counts[dir]++ }

// DefaultTradeLimit applies when no max_trades_per_day key matches.
const DefaultTradeLimit = 1

// TradeLimit resolves the per-day limit for (strategy, class, dir). The most
// specific key wins:
//
//	max_trades_per_day_<dir>_<class>_<strategy>
//	max_trades_per_day_<dir>_<strategy>
//	max_trades_per_day_<dir>
//
// falling back to DefaultTradeLimit. Keys are case-insensitive. A matching
// key whose value is not an integer is logged and yields DefaultTradeLimit.
func TradeLimit(p tradeconfig.Params, strategy, class string, dir model.Direction) int64 {
	d := directionWord(dir)
	s := strings.ToLower(strategy)
	c := strings.ToLower(class)
	for _, key := range []string{
		fmt.Sprintf("max_trades_per_day_%s_%s_%s", d, c, s),
		fmt.Sprintf("max_trades_per_day_%s_%s", d, s),
		fmt.Sprintf("max_trades_per_day_%s", d),
	} {
		if !p.Has(key) {
			continue
		}
		if n, ok := p.IntOK(key); ok {
			return n
		}
		logger.Component("strategy").Warn("trade limit is not an integer, using default",
			"key", key,
			"value", fmt.Sprint(p.Raw(key)),
			"default", DefaultTradeLimit)
		return DefaultTradeLimit
	}
	return DefaultTradeLimit
}

func directionWord(dir model.Direction) string {
	if dir == model.Short {
		return "short"
	}
	return "long"
}
