// Package tradeconfig supplies the trading configuration: per-strategy
// parameters, per-(strategy, class, direction) execution directives and the
// global system switches. The layout mirrors the three operator tabs
// STRATEGY_CONFIG, STRATEGY_EXECUTION and SYSTEM_CONTROL.
package tradeconfig

import (
	"log/slog"
	"strings"
	"time"

	"intraday-runtime/internal/model"
)

// StrategyRow is one STRATEGY_CONFIG row. A row with param "enabled" toggles
// the strategy through its Enabled cell; every other row sets a parameter.
type StrategyRow struct {
	Strategy string `yaml:"strategy_name" json:"strategy_name"`
	Param    string `yaml:"param" json:"param"`
	Value    Cell   `yaml:"value" json:"value"`
	Enabled  Cell   `yaml:"enabled" json:"enabled"`
}

// ExecutionRow is one STRATEGY_EXECUTION row.
type ExecutionRow struct {
	Strategy      string `yaml:"strategy_name" json:"strategy_name"`
	Index         string `yaml:"index" json:"index"`
	Direction     Cell   `yaml:"direction" json:"direction"`
	Mode          Cell   `yaml:"mode" json:"mode"`
	Qty           Cell   `yaml:"qty" json:"qty"`
	Enabled       Cell   `yaml:"enabled" json:"enabled"`
	TrailEnabled  Cell   `yaml:"trail_enabled" json:"trail_enabled"`
	TrailPoints   Cell   `yaml:"trail_points" json:"trail_points"`
	MinExpiryDays Cell   `yaml:"min_expiry_days" json:"min_expiry_days"`
}

// ControlRow is one SYSTEM_CONTROL row.
type ControlRow struct {
	Key   string `yaml:"key" json:"key"`
	Value Cell   `yaml:"value" json:"value"`
}

// Document is the raw configuration as fetched from a source.
type Document struct {
	StrategyConfig    []StrategyRow  `yaml:"STRATEGY_CONFIG" json:"STRATEGY_CONFIG"`
	StrategyExecution []ExecutionRow `yaml:"STRATEGY_EXECUTION" json:"STRATEGY_EXECUTION"`
	SystemControl     []ControlRow   `yaml:"SYSTEM_CONTROL" json:"SYSTEM_CONTROL"`
}

// Merge appends other's rows after d's. Later rows win when built.
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	d.StrategyConfig = append(d.StrategyConfig, other.StrategyConfig...)
	d.StrategyExecution = append(d.StrategyExecution, other.StrategyExecution...)
	d.SystemControl = append(d.SystemControl, other.SystemControl...)
}

// StrategyConfig is the typed configuration of one strategy.
type StrategyConfig struct {
	Name    string
	Enabled bool
	Params  Params
}

// Snapshot is one built configuration, valid for one IST trading day.
type Snapshot struct {
	Day        string
	LoadedAt   time.Time
	Strategies map[string]StrategyConfig
	Directives map[DirectiveKey]Directive
	System     Params
}

// System control keys.
const (
	KeyLiveTradingEnabled = "live_trading_enabled"
)

// Strategy returns a strategy's config.
func (s *Snapshot) Strategy(name string) (StrategyConfig, bool) {
	sc, ok := s.Strategies[name]
	return sc, ok
}

// Directive returns the directive for (strategy, class, direction).
func (s *Snapshot) Directive(strategy, class string, dir model.Direction) (Directive, bool) {
	d, ok := s.Directives[DirectiveKey{Strategy: strategy, Class: class, Direction: dir}]
	return d, ok
}

// LiveTradingEnabled is the global kill switch. Live orders are refused
// unless SYSTEM_CONTROL sets it to TRUE.
func (s *Snapshot) LiveTradingEnabled() bool {
	return s.System.Bool(KeyLiveTradingEnabled, false)
}

// Build types a Document. Malformed rows are logged and skipped; the rest of
// the configuration stays usable. Directives with an invalid mode or quantity
// are kept so the router can report them, and logged here.
func Build(doc *Document, day string, log *slog.Logger) *Snapshot {
	snap := &Snapshot{
		Day:        day,
		LoadedAt:   time.Now(),
		Strategies: make(map[string]StrategyConfig),
		Directives: make(map[DirectiveKey]Directive),
		System:     make(Params),
	}

	for _, row := range doc.StrategyConfig {
		name := strings.ToUpper(strings.TrimSpace(row.Strategy))
		param := strings.ToLower(strings.TrimSpace(row.Param))
		if name == "" || param == "" {
			log.Warn("strategy config row skipped", "strategy", row.Strategy, "param", row.Param)
			continue
		}
		sc, ok := snap.Strategies[name]
		if !ok {
			sc = StrategyConfig{Name: name, Params: make(Params)}
		}
		if param == "enabled" {
			cell := row.Enabled
			if cell.String() == "" {
				cell = row.Value
			}
			b, _ := ParseValue(cell.String()).(bool)
			sc.Enabled = b
		} else {
			sc.Params[param] = ParseValue(row.Value.String())
		}
		snap.Strategies[name] = sc
	}

	// Direction-specific rows beat BOTH rows regardless of order.
	var generic, specific []Directive
	for _, row := range doc.StrategyExecution {
		name := strings.ToUpper(strings.TrimSpace(row.Strategy))
		class := strings.ToUpper(strings.TrimSpace(row.Index))
		if name == "" || class == "" {
			log.Warn("execution row skipped: missing strategy or index", "strategy", row.Strategy, "index", row.Index)
			continue
		}
		dirs, err := directionsOf(row.Direction.String())
		if err != nil {
			log.Warn("execution row skipped", "strategy", name, "index", class, "error", err)
			continue
		}
		base := Directive{
			Mode:          normalizeMode(row.Mode.String()),
			Qty:           asInt(row.Qty),
			Enabled:       asBool(row.Enabled),
			TrailEnabled:  asBool(row.TrailEnabled),
			TrailPoints:   asPoints(row.TrailPoints),
			MinExpiryDays: int(asInt(row.MinExpiryDays)),
		}
		for _, dir := range dirs {
			d := base
			d.Key = DirectiveKey{Strategy: name, Class: class, Direction: dir}
			if err := d.Validate(); err != nil {
				log.Warn("invalid execution directive", "directive", d.Key.String(), "error", err)
			}
			if len(dirs) > 1 {
				generic = append(generic, d)
			} else {
				specific = append(specific, d)
			}
		}
	}
	for _, d := range generic {
		snap.Directives[d.Key] = d
	}
	for _, d := range specific {
		snap.Directives[d.Key] = d
	}

	for _, row := range doc.SystemControl {
		key := strings.ToLower(strings.TrimSpace(row.Key))
		if key == "" {
			continue
		}
		snap.System[key] = ParseValue(row.Value.String())
	}

	log.Info("trade config built",
		"day", day,
		"strategies", len(snap.Strategies),
		"directives", len(snap.Directives),
		"live_trading_enabled", snap.LiveTradingEnabled())
	return snap
}

func asBool(c Cell) bool {
	b, _ := ParseValue(c.String()).(bool)
	return b
}

// asInt returns -1 for a present but non-integral cell so Validate rejects it.
func asInt(c Cell) int64 {
	switch v := ParseValue(c.String()).(type) {
	case nil:
		return 0
	case int64:
		return v
	case float64:
		if v == float64(int64(v)) {
			return int64(v)
		}
	}
	return -1
}

// asPoints converts an index-points cell to paise.
func asPoints(c Cell) int64 {
	switch v := ParseValue(c.String()).(type) {
	case int64:
		return v * 100
	case float64:
		return model.PaiseFromFloat(v)
	}
	return 0
}
