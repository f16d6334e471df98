package tradeconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
)

// ErrNoConfig is returned when no configuration could ever be loaded.
var ErrNoConfig = errors.New("tradeconfig: no configuration loaded")

// Store caches the built configuration for one IST trading day. The first
// read of a new day, or the first read after Reload, refetches every source.
// A failed refetch keeps serving the previous snapshot.
type Store struct {
	sources []Source

	mu     sync.Mutex
	snap   *Snapshot
	reload atomic.Bool

	now func() time.Time
	log *slog.Logger

	// OnLoad is called after each successful rebuild (optional).
	OnLoad func(s *Snapshot)
}

// NewStore creates a store. Later sources override earlier ones row by row.
func NewStore(sources ...Source) *Store {
	return &Store{
		sources: sources,
		now:     time.Now,
		log:     logger.Component("tradeconfig"),
	}
}

// Reload forces a refetch before the next read. Safe from any goroutine.
func (s *Store) Reload() {
	s.reload.Store(true)
	s.log.Info("trade config reload requested")
}

// Current returns the snapshot for today, loading it if needed.
func (s *Store) Current(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := markethours.SessionDate(s.now())
	force := s.reload.Swap(false)
	if s.snap != nil && s.snap.Day == day && !force {
		return s.snap, nil
	}

	snap, err := s.load(ctx, day)
	if err != nil {
		if s.snap != nil {
			s.log.Warn("trade config refresh failed, serving previous", "day", s.snap.Day, "error", err)
			return s.snap, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrNoConfig, err)
	}
	s.snap = snap
	if s.OnLoad != nil {
		s.OnLoad(snap)
	}
	return snap, nil
}

func (s *Store) load(ctx context.Context, day string) (*Snapshot, error) {
	doc := &Document{}
	for i, src := range s.sources {
		d, err := src.Fetch(ctx)
		if err != nil {
			// The first source is the base; overrides are optional.
			if i == 0 {
				return nil, err
			}
			s.log.Warn("config override unavailable", "source", src.Name(), "error", err)
			continue
		}
		doc.Merge(d)
	}
	return Build(doc, day, s.log), nil
}
