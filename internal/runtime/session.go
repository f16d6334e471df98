package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/model"
	"intraday-runtime/pkg/smartapi"
)

// SessionFeed gates the broker feed to market hours. At every open it logs
// in afresh (the feed token is per session), connects with a deadline at the
// close, and after the close sleeps until the next trading day.
type SessionFeed struct {
	// Login returns a fresh broker session.
	Login func(ctx context.Context) (smartapi.Session, error)
	// Connect builds the day's feed; it must stop at deadline.
	Connect func(sess smartapi.Session, deadline time.Time) (Feed, error)

	RetryDelay time.Duration // after a failed login or connect (default 30s)

	// OnMarket is called with true when a session starts and false when it
	// ends (optional).
	OnMarket func(open bool)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	log   *slog.Logger
}

// NewSessionFeed creates a market-hours gated feed.
func NewSessionFeed(login func(ctx context.Context) (smartapi.Session, error), connect func(sess smartapi.Session, deadline time.Time) (Feed, error)) *SessionFeed {
	return &SessionFeed{
		Login:      login,
		Connect:    connect,
		RetryDelay: 30 * time.Second,
		now:        time.Now,
		sleep:      sleepCtx,
		log:        logger.Component("session-feed"),
	}
}

// Start runs sessions until ctx is done.
func (s *SessionFeed) Start(ctx context.Context, out chan<- model.Tick) error {
	if s.Login == nil || s.Connect == nil {
		return errors.New("session feed: login and connect are required")
	}
	for {
		now := s.now()
		if !markethours.IsMarketOpen(now) {
			next := markethours.NextOpen(now)
			s.log.Info("market closed, waiting",
				"status", markethours.StatusString(now),
				"next_open", next.In(markethours.IST).Format("Mon 02 Jan 15:04"))
			if !s.sleep(ctx, next.Sub(now)) {
				return nil
			}
			continue
		}

		sess, err := s.Login(ctx)
		if err != nil {
			s.log.Error("login failed, retrying", "error", err, "retry_in", s.RetryDelay)
			if !s.sleep(ctx, s.RetryDelay) {
				return nil
			}
			continue
		}
		closeAt := markethours.TodayClose(now)
		feed, err := s.Connect(sess, closeAt)
		if err != nil {
			s.log.Error("feed connect failed, retrying", "error", err, "retry_in", s.RetryDelay)
			if !s.sleep(ctx, s.RetryDelay) {
				return nil
			}
			continue
		}

		s.log.Info("feed session started", "until", closeAt.In(markethours.IST).Format("15:04:05"))
		if s.OnMarket != nil {
			s.OnMarket(true)
		}
		err = feed.Start(ctx, out)
		if s.OnMarket != nil {
			s.OnMarket(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("feed session ended with error", "error", err)
		} else {
			s.log.Info("feed session ended")
		}
		// A feed that stopped before the close is restarted after a pause.
		if s.now().Before(closeAt) && !s.sleep(ctx, s.RetryDelay) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
