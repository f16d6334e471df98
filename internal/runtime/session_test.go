package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/model"
	"intraday-runtime/pkg/smartapi"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) bool {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err() == nil
}

type funcFeed func(ctx context.Context, out chan<- model.Tick) error

func (f funcFeed) Start(ctx context.Context, out chan<- model.Tick) error { return f(ctx, out) }

func TestSessionFeed_FollowsTradingDays(t *testing.T) {
	clock := &fakeClock{now: at(17, 10, 0, 0)} // Saturday
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deadlines []time.Time
	var market []bool
	sessions := 0
	s := NewSessionFeed(
		func(context.Context) (smartapi.Session, error) {
			return smartapi.Session{FeedToken: "feed"}, nil
		},
		func(sess smartapi.Session, deadline time.Time) (Feed, error) {
			assert.Equal(t, "feed", sess.FeedToken)
			deadlines = append(deadlines, deadline)
			return funcFeed(func(context.Context, chan<- model.Tick) error {
				sessions++
				if sessions == 2 {
					cancel()
					return nil
				}
				clock.now = deadline.Add(time.Minute)
				return nil
			}), nil
		},
	)
	s.now = func() time.Time { return clock.now }
	s.sleep = clock.sleep
	s.OnMarket = func(open bool) { market = append(market, open) }

	require.NoError(t, s.Start(ctx, make(chan model.Tick)))

	// Monday the 19th, then Thursday the 22nd across two holidays.
	assert.Equal(t, []time.Time{at(19, 15, 30, 0), at(22, 15, 30, 0)}, deadlines)
	require.Len(t, clock.sleeps, 2)
	assert.Equal(t, at(19, 9, 15, 0).Sub(at(17, 10, 0, 0)), clock.sleeps[0])
	assert.Equal(t, at(22, 9, 15, 0).Sub(at(19, 15, 31, 0)), clock.sleeps[1])
	assert.Equal(t, []bool{true, false, true, false}, market)
}

func TestSessionFeed_RetriesFailedLogin(t *testing.T) {
	clock := &fakeClock{now: at(15, 10, 0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logins := 0
	s := NewSessionFeed(
		func(context.Context) (smartapi.Session, error) {
			logins++
			if logins == 1 {
				return smartapi.Session{}, errors.New("invalid totp")
			}
			return smartapi.Session{}, nil
		},
		func(smartapi.Session, time.Time) (Feed, error) {
			return funcFeed(func(context.Context, chan<- model.Tick) error {
				cancel()
				return nil
			}), nil
		},
	)
	s.now = func() time.Time { return clock.now }
	s.sleep = clock.sleep

	require.NoError(t, s.Start(ctx, make(chan model.Tick)))
	assert.Equal(t, 2, logins)
	assert.Equal(t, []time.Duration{30 * time.Second}, clock.sleeps)
}

func TestSessionFeed_RestartsEarlyFeedAfterPause(t *testing.T) {
	clock := &fakeClock{now: at(15, 10, 0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	starts := 0
	s := NewSessionFeed(
		func(context.Context) (smartapi.Session, error) { return smartapi.Session{}, nil },
		func(smartapi.Session, time.Time) (Feed, error) {
			return funcFeed(func(context.Context, chan<- model.Tick) error {
				starts++
				if starts == 2 {
					cancel()
					return nil
				}
				return errors.New("connection reset")
			}), nil
		},
	)
	s.now = func() time.Time { return clock.now }
	s.sleep = clock.sleep

	require.NoError(t, s.Start(ctx, make(chan model.Tick)))
	assert.Equal(t, 2, starts)
	assert.Equal(t, []time.Duration{30 * time.Second}, clock.sleeps)
}

func TestSessionFeed_RequiresCallbacks(t *testing.T) {
	assert.Error(t, NewSessionFeed(nil, nil).Start(context.Background(), make(chan model.Tick)))
}
