// Package portfolio tracks strategy positions, realized P&L and the exit
// rules that close them.
//
// The Book is the single source of truth for open positions: at most one
// position is open per (strategy, instrument). The RiskEngine evaluates exit
// rules on every completed candle and the Reconciler closes live positions
// the broker no longer reports.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"intraday-runtime/internal/model"
)

// Position modes as written to the journal.
const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Exit reasons.
const (
	ReasonVWAPRecross   = "VWAP_RECROSS"
	ReasonTrailSL       = "TRAIL_SL"
	ReasonTimeExit      = "TIME_EXIT"
	ReasonExternalClose = "EXTERNAL_CLOSE"
)

var (
	ErrDuplicate = errors.New("portfolio: position already open for strategy and instrument")
	ErrNotOpen   = errors.New("portfolio: position not open")
	ErrExiting   = errors.New("portfolio: exit already in progress")
)

// ModeOf returns the journal mode of a position.
func ModeOf(p model.Position) string {
	if p.Live() {
		return ModeLive
	}
	return ModePaper
}

// Book tracks all positions of the session. Accessors return copies.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*model.Position // key = position id
	open      map[string]string          // owner key → position id
	lastPrice map[string]int64           // underlying key → last close, paise
	exiting   map[string]bool            // position id → exit order in flight
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{
		positions: make(map[string]*model.Position),
		open:      make(map[string]string),
		lastPrice: make(map[string]int64),
		exiting:   make(map[string]bool),
	}
}

// Add records a newly opened position. It refuses a second open position
// under the same (strategy, instrument).
func (b *Book) Add(p model.Position) error {
	if p.ID == "" {
		return fmt.Errorf("portfolio: position without id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	owner := p.OwnerKey()
	if id, ok := b.open[owner]; ok {
		return fmt.Errorf("%w: %s (open %s)", ErrDuplicate, owner, id)
	}
	p.Open = true
	if p.BestPrice == 0 {
		p.BestPrice = p.EntryPrice
	}
	b.positions[p.ID] = &p
	b.open[owner] = p.ID
	return nil
}

// Restore loads open positions persisted by a previous run. Closed and
// conflicting entries are skipped. Returns the number restored.
func (b *Book) Restore(ps []model.Position) int {
	n := 0
	for _, p := range ps {
		if !p.Open {
			continue
		}
		if err := b.Add(p); err == nil {
			n++
		}
	}
	return n
}

// HasOpen reports whether (strategy, underlying) holds an open position.
func (b *Book) HasOpen(strategy, underlying string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.open[model.OwnerKey(strategy, underlying)]
	return ok
}

// Get returns a position by id.
func (b *Book) Get(id string) (model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Open returns the open positions ordered by entry time.
func (b *Book) Open() []model.Position {
	return b.filter(func(p *model.Position) bool { return true })
}

// OpenFor returns the open positions signalled by underlying.
func (b *Book) OpenFor(underlying string) []model.Position {
	return b.filter(func(p *model.Position) bool { return p.Underlying == underlying })
}

// OpenLive returns the open positions managed by the broker.
func (b *Book) OpenLive() []model.Position {
	return b.filter(func(p *model.Position) bool { return p.Live() })
}

// OpenStrikes returns the strikes held by open live positions of class and
// direction, excluding the owner key given.
func (b *Book) OpenStrikes(class string, dir model.Direction, excludeOwner string) map[int64]bool {
	out := make(map[int64]bool)
	for _, p := range b.filter(func(p *model.Position) bool {
		return p.Live() && p.Class == class && p.Direction == dir && p.OwnerKey() != excludeOwner
	}) {
		out[p.Strike] = true
	}
	return out
}

func (b *Book) filter(keep func(p *model.Position) bool) []model.Position {
	b.mu.RLock()
	out := make([]model.Position, 0, len(b.open))
	for _, id := range b.open {
		p := b.positions[id]
		if keep(p) {
			out = append(out, *p)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetBest stores a new trailing high/low-water mark.
func (b *Book) SetBest(id string, best int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[id]; ok && p.Open {
		p.BestPrice = best
	}
}

// BeginExit claims an open position for an exit order. Until Close or
// AbortExit, a second claim fails with ErrExiting and the reconciler leaves
// the position alone. Returns the current copy of the position.
func (b *Book) BeginExit(id string) (model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok || !p.Open {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if b.exiting[id] {
		return model.Position{}, fmt.Errorf("%w: %s", ErrExiting, id)
	}
	b.exiting[id] = true
	return *p, nil
}

// AbortExit releases a claim taken by BeginExit after a failed exit order.
func (b *Book) AbortExit(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exiting, id)
}

// Close marks a position closed at price and returns the closed copy with
// its realized P&L. Closing twice returns ErrNotOpen.
func (b *Book) Close(id string, price int64, at time.Time, reason string) (model.Position, error) {
	return b.close(id, price, at, reason, false)
}

// closeUnclaimed is Close for a position no exit order is working on.
func (b *Book) closeUnclaimed(id string, price int64, at time.Time, reason string) (model.Position, error) {
	return b.close(id, price, at, reason, true)
}

func (b *Book) close(id string, price int64, at time.Time, reason string, skipClaimed bool) (model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok || !p.Open {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if skipClaimed && b.exiting[id] {
		return model.Position{}, fmt.Errorf("%w: %s", ErrExiting, id)
	}
	delete(b.exiting, id)
	p.Open = false
	p.ExitPrice = price
	p.ExitTime = at
	p.ExitReason = reason
	p.PnL = p.RealizedPnL(price)
	delete(b.open, p.OwnerKey())
	return *p, nil
}

// Count returns the number of open positions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.open)
}

// PruneClosed forgets closed positions, typically at a session boundary.
func (b *Book) PruneClosed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, p := range b.positions {
		if !p.Open {
			delete(b.positions, id)
			n++
		}
	}
	return n
}

// UpdatePrice records the latest close of an underlying.
func (b *Book) UpdatePrice(candle model.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrice[candle.Key()] = candle.Close
}

// UnrealizedPnL returns the mark-to-market P&L of open paper positions in
// paise. Live positions hold options whose marks are not tracked here.
func (b *Book) UnrealizedPnL() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, id := range b.open {
		p := b.positions[id]
		if p.Live() {
			continue
		}
		if ltp, ok := b.lastPrice[p.Underlying]; ok {
			total += p.RealizedPnL(ltp)
		}
	}
	return total
}
