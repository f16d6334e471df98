// Package feed connects the broker's streaming quotes to the runtime. It
// only converts and enqueues: the consumer owns all candle state.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
	"intraday-runtime/pkg/smartapi"
)

// Config holds configuration for the ingest.
type Config struct {
	Session smartapi.Session
	APIKey  string
	URL     string // default smartapi.StreamURL

	// Instruments to subscribe in QUOTE mode (cumulative volume is needed).
	Instruments []model.Instrument

	// Deadline stops the feed at the session close (optional).
	Deadline time.Time
}

// Ingest streams SmartStream quotes into a tick channel.
type Ingest struct {
	cfg    Config
	stream *smartapi.Stream
	log    *slog.Logger

	ready    atomic.Bool
	received atomic.Int64
	dropped  atomic.Int64

	// Optional hooks
	OnDrop       func()
	OnReconnect  func()
	OnSubscribed func()
}

// New creates an ingest. No connection is made until Start.
func New(cfg Config) (*Ingest, error) {
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("feed: no instruments")
	}
	st, err := smartapi.NewStream(smartapi.StreamConfig{
		URL:        cfg.URL,
		AuthToken:  cfg.Session.JWTToken,
		APIKey:     cfg.APIKey,
		ClientCode: cfg.Session.ClientCode,
		FeedToken:  cfg.Session.FeedToken,
	})
	if err != nil {
		return nil, fmt.Errorf("feed: create stream: %w", err)
	}
	return &Ingest{cfg: cfg, stream: st, log: logger.Component("feed")}, nil
}

// TokenList groups instruments by wire exchange type.
func TokenList(instruments []model.Instrument) []smartapi.TokenListEntry {
	byEx := make(map[int][]string)
	for _, in := range instruments {
		t := smartapi.ExchangeType(in.Exchange)
		byEx[t] = append(byEx[t], in.Token)
	}
	out := make([]smartapi.TokenListEntry, 0, len(byEx))
	for t, toks := range byEx {
		out = append(out, smartapi.TokenListEntry{ExchangeType: t, Tokens: toks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeType < out[j].ExchangeType })
	return out
}

// Start subscribes and streams ticks into out until ctx is done or the
// deadline passes. A full channel drops the tick; the stream never blocks.
func (ing *Ingest) Start(ctx context.Context, out chan<- model.Tick) error {
	if !ing.cfg.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ing.cfg.Deadline)
		defer cancel()
	}
	tl := TokenList(ing.cfg.Instruments)
	if err := ing.stream.Subscribe(smartapi.ModeQuote, tl); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	ing.stream.OnSubscribed = func() {
		ing.ready.Store(true)
		ing.log.Info("subscribed", "tokens", tl)
		if ing.OnSubscribed != nil {
			ing.OnSubscribed()
		}
	}
	ing.stream.OnDisconnect = func(err error) {
		ing.ready.Store(false)
		ing.log.Warn("feed disconnected", "error", err)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}
	}
	ing.stream.OnQuote = func(q smartapi.Quote) { ing.deliver(q, out) }

	if err := ing.stream.Run(ctx); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	ing.log.Info("feed stopped", "received", ing.received.Load(), "dropped", ing.dropped.Load())
	return nil
}

// deliver enqueues a quote without blocking.
func (ing *Ingest) deliver(q smartapi.Quote, out chan<- model.Tick) {
	if !ing.ready.Load() {
		return
	}
	tick, err := TickOf(q)
	if err != nil {
		ing.log.Debug("quote skipped", "error", err)
		return
	}
	ing.received.Add(1)
	select {
	case out <- tick:
	default:
		ing.dropped.Add(1)
		if ing.OnDrop != nil {
			ing.OnDrop()
		}
	}
}

// Stats returns the received and dropped tick counts.
func (ing *Ingest) Stats() (received, dropped int64) {
	return ing.received.Load(), ing.dropped.Load()
}

// TickOf converts a quote. Candles are bucketed by exchange time only, so a
// quote without an exchange timestamp is rejected.
func TickOf(q smartapi.Quote) (model.Tick, error) {
	if q.Token == "" {
		return model.Tick{}, errors.New("missing token")
	}
	if q.ExchangeTS.IsZero() {
		return model.Tick{}, fmt.Errorf("quote %s: missing exchange timestamp", q.Token)
	}
	return model.Tick{
		Token:     q.Token,
		Exchange:  smartapi.ExchangeName(q.ExchangeType),
		Price:     q.LTP,
		CumVolume: q.VolumeToday,
		TickTS:    q.ExchangeTS,
	}, nil
}
