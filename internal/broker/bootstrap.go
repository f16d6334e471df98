package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
)

// ErrNoFuture is returned when the catalog has no live future for a class.
var ErrNoFuture = errors.New("broker: no current future")

// Catalog lists tradeable contracts.
type Catalog interface {
	Instruments(ctx context.Context) ([]model.Instrument, error)
}

// CurrentFutures picks, per class, the NFO index future with the nearest
// expiry that has not passed at now.
func CurrentFutures(ctx context.Context, catalog Catalog, classes []string, now time.Time) (map[string]model.Instrument, error) {
	all, err := catalog.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: bootstrap: %w", err)
	}
	today := markethours.StartOfDay(now)
	byClass := make(map[string][]model.Instrument, len(classes))
	for _, in := range all {
		if in.Exchange != "NFO" || in.InstrumentType != "FUTIDX" || in.Expiry.Before(today) {
			continue
		}
		name := strings.ToUpper(in.Name)
		byClass[name] = append(byClass[name], in)
	}

	out := make(map[string]model.Instrument, len(classes))
	for _, class := range classes {
		cands := byClass[class]
		if len(cands) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoFuture, class)
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].Expiry.Before(cands[j].Expiry) })
		out[class] = cands[0]
	}
	return out, nil
}

// ParseInstruments parses an override list "NIFTY=NFO:35001,BANKNIFTY=NFO:35002".
func ParseInstruments(s string) (map[string]model.Instrument, error) {
	out := make(map[string]model.Instrument)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		class, key, ok := strings.Cut(part, "=")
		exch, token, ok2 := strings.Cut(key, ":")
		if !ok || !ok2 || class == "" || exch == "" || token == "" {
			return nil, fmt.Errorf("broker: bad instrument %q, want CLASS=EXCHANGE:TOKEN", part)
		}
		class = strings.ToUpper(strings.TrimSpace(class))
		out[class] = model.Instrument{
			Token:          strings.TrimSpace(token),
			Exchange:       strings.ToUpper(strings.TrimSpace(exch)),
			Name:           class,
			InstrumentType: "FUTIDX",
		}
	}
	return out, nil
}
