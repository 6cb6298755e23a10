// Package resetsched implements the Reset Scheduler (spec §4.7): each
// account's daily session rollover, honoring its configured local time,
// timezone, and holiday calendar.
package resetsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RolloverConfig is one account's rollover instant.
type RolloverConfig struct {
	AccountID int64
	Hour      int
	Minute    int
	Timezone  string
}

// Callback is invoked when an account's rollover instant is reached and
// the day is not a holiday. It receives the rollover instant itself so
// the caller can clear hard lockouts whose expiry is <= that instant.
type Callback func(accountID int64, rollover time.Time)

// Scheduler wraps a cron instance, one entry per account, skipping
// holiday rollovers by simply not invoking the callback (per spec §4.7:
// "ignores the rollover... schedules to the next non-holiday rollover" —
// achieved here by re-checking the holiday calendar on every daily tick
// rather than by removing and re-adding the cron entry).
type Scheduler struct {
	cron     *cron.Cron
	holidays map[string]bool
	log      zerolog.Logger
}

// New constructs a scheduler; call Start to begin firing.
func New(holidays map[string]bool, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		holidays: holidays,
		log:      log.With().Str("component", "reset_scheduler").Logger(),
	}
}

// Register schedules one account's daily rollover. Using robfig/cron's
// CRON_TZ prefix lets each account keep its own timezone independent of
// the process's local time.
func (s *Scheduler) Register(cfg RolloverConfig, cb Callback) error {
	spec := fmt.Sprintf("CRON_TZ=%s 0 %d %d * * *", cfg.Timezone, cfg.Minute, cfg.Hour)
	_, err := s.cron.AddFunc(spec, func() {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			s.log.Error().Err(err).Int64("account_id", cfg.AccountID).Msg("invalid timezone, skipping rollover")
			return
		}
		now := time.Now().In(loc)
		dateKey := now.Format("2006-01-02")
		if s.holidays[dateKey] {
			s.log.Info().Int64("account_id", cfg.AccountID).Str("date", dateKey).Msg("rollover skipped: holiday")
			return
		}
		rollover := time.Date(now.Year(), now.Month(), now.Day(), cfg.Hour, cfg.Minute, 0, 0, loc)
		cb(cfg.AccountID, rollover)
	})
	if err != nil {
		return fmt.Errorf("resetsched: register account %d: %w", cfg.AccountID, err)
	}
	return nil
}

// Start begins firing registered rollovers in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight callback returns, then stops firing.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
