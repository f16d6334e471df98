// Package compositor folds closed 1-minute candles into 5-minute candles.
// A 5-minute candle is built only when all five constituent minutes are
// present and is emitted at most once per (instrument, bucket).
package compositor

import (
	"errors"
	"fmt"
	"time"

	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

const (
	// PartWidth is the constituent candle width.
	PartWidth = time.Minute
	// Parts is the number of constituents in one bucket.
	Parts = 5
	// Width is the composite window width.
	Width = Parts * PartWidth
)

// Invariant violations. They indicate a timestamp or time zone bug upstream
// rather than a market condition.
var (
	ErrOutsideSession = errors.New("candle window outside trading session")
	ErrNonContiguous  = errors.New("composite built from non-contiguous parts")
	ErrMisaligned     = errors.New("part not aligned to a minute boundary")
)

// InvariantError carries the offending instrument and window.
type InvariantError struct {
	Key   string
	Start time.Time
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("compositor: %s at %s: %v", e.Key, e.Start.In(markethours.IST).Format("2006-01-02 15:04"), e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// BucketStart floors a window start to its 5-minute bucket (IST).
func BucketStart(ts time.Time) time.Time {
	ist := ts.In(markethours.IST)
	m := ist.Minute() - ist.Minute()%Parts
	return time.Date(ist.Year(), ist.Month(), ist.Day(), ist.Hour(), m, 0, 0, markethours.IST)
}

// Compositor stores closed 1-minute candles and builds 5-minute ones.
// It is owned by the runtime event loop and is not goroutine-safe.
type Compositor struct {
	parts   map[string]map[int64]model.Candle // key → minute unix → candle
	emitted map[string]map[int64]bool         // key → bucket unix

	// OnComposite is called for every emitted 5-minute candle (optional).
	OnComposite func(c model.Candle)
}

// New creates an empty Compositor.
func New() *Compositor {
	return &Compositor{
		parts:   make(map[string]map[int64]model.Candle, 8),
		emitted: make(map[string]map[int64]bool, 8),
	}
}

// Add stores a closed 1-minute candle. A candle already stored for the same
// minute is kept; closed candles are immutable.
func (c *Compositor) Add(part model.Candle) error {
	key := part.Key()
	if !part.TS.Equal(part.TS.Truncate(PartWidth)) {
		return &InvariantError{Key: key, Start: part.TS, Err: ErrMisaligned}
	}
	m, ok := c.parts[key]
	if !ok {
		m = make(map[int64]model.Candle, 400)
		c.parts[key] = m
	}
	ts := part.TS.Unix()
	if _, exists := m[ts]; !exists {
		m[ts] = part
	}
	return nil
}

// Close stores a closed 1-minute candle and attempts to build its bucket.
func (c *Compositor) Close(part model.Candle) (model.Candle, bool, error) {
	if err := c.Add(part); err != nil {
		return model.Candle{}, false, err
	}
	return c.OnWindowClose(part.Exchange, part.Token, part.TS)
}

// OnWindowClose attempts to build the 5-minute candle containing the closed
// minute. It returns ok=false when the bucket is incomplete or was already
// emitted.
func (c *Compositor) OnWindowClose(exchange, token string, closedStart time.Time) (model.Candle, bool, error) {
	key := exchange + ":" + token
	bucket := BucketStart(closedStart)

	if mod := markethours.MinuteOfDay(bucket); mod < markethours.Open.Minutes() || mod >= markethours.Close.Minutes() {
		return model.Candle{}, false, &InvariantError{Key: key, Start: bucket, Err: ErrOutsideSession}
	}

	bu := bucket.Unix()
	if c.emitted[key][bu] {
		return model.Candle{}, false, nil
	}

	stored := c.parts[key]
	var parts [Parts]model.Candle
	for i := 0; i < Parts; i++ {
		p, ok := stored[bu+int64(i)*int64(PartWidth/time.Second)]
		if !ok {
			return model.Candle{}, false, nil
		}
		parts[i] = p
	}

	out, err := compose(key, bucket, parts)
	if err != nil {
		return model.Candle{}, false, err
	}

	if c.emitted[key] == nil {
		c.emitted[key] = make(map[int64]bool, 80)
	}
	c.emitted[key][bu] = true
	if c.OnComposite != nil {
		c.OnComposite(out)
	}
	return out, true, nil
}

func compose(key string, bucket time.Time, parts [Parts]model.Candle) (model.Candle, error) {
	for i, p := range parts {
		want := bucket.Add(time.Duration(i) * PartWidth)
		if !p.TS.Equal(want) || p.TF != int(PartWidth/time.Second) {
			return model.Candle{}, &InvariantError{Key: key, Start: bucket, Err: ErrNonContiguous}
		}
	}
	first, last := parts[0], parts[Parts-1]
	out := model.Candle{
		Token:    first.Token,
		Exchange: first.Exchange,
		TF:       int(Width / time.Second),
		TS:       bucket,
		Open:     first.Open,
		High:     first.High,
		Low:      first.Low,
		Close:    last.Close,
	}
	for _, p := range parts {
		if p.High > out.High {
			out.High = p.High
		}
		if p.Low < out.Low {
			out.Low = p.Low
		}
		out.Volume += p.Volume
		out.TicksCount += p.TicksCount
	}
	return out, nil
}

// Part returns a stored 1-minute candle.
func (c *Compositor) Part(exchange, token string, start time.Time) (model.Candle, bool) {
	p, ok := c.parts[exchange+":"+token][start.Unix()]
	return p, ok
}

// PruneBefore drops parts and emission markers older than t. Called at a
// session boundary so state does not grow across days.
func (c *Compositor) PruneBefore(t time.Time) {
	cut := t.Unix()
	for _, m := range c.parts {
		for ts := range m {
			if ts < cut {
				delete(m, ts)
			}
		}
	}
	for _, m := range c.emitted {
		for ts := range m {
			if ts < cut {
				delete(m, ts)
			}
		}
	}
}
