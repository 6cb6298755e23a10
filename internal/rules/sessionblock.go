package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
)

// sessionBlockOutsideRule confines trading to a configured daily window,
// per symbol or globally, in the account's configured timezone. Holidays
// count as wholly outside the window (spec §4.11 SessionBlockOutside).
type sessionBlockOutsideRule struct{}

func (sessionBlockOutsideRule) Name() string       { return "SessionBlockOutside" }
func (sessionBlockOutsideRule) Kinds() []EventKind { return []EventKind{EventPosition, EventTimerFire} }

func (sessionBlockOutsideRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.SessionBlockOutside

	switch in.Kind {
	case EventPosition:
		if in.Position == nil || in.PriorSize != 0 || in.Position.Size == 0 {
			return Result{} // only a flat->nonzero transition opens a new position
		}
		symbol := symbolOf(deps, in.Position.ContractID)
		window := sessionWindowFor(cfg, symbol)

		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			deps.Log.Error().Err(err).Str("timezone", cfg.Timezone).Msg("session_block_outside: invalid timezone")
			return Result{}
		}
		now := in.Now.In(loc)
		if withinWindow(now, window, deps.Holidays) {
			return Result{}
		}

		until := nextSessionStart(now, window, deps.Holidays)
		return Result{
			Breach: true,
			Reason: "session_block_outside: position opened outside session window",
			Remediations: []enforcement.Intent{
				{Kind: enforcement.IntentClosePosition, AccountID: in.AccountID, ContractID: in.Position.ContractID},
			},
			Lockout: &LockoutAction{Kind: domain.LockoutHard, Until: until, Source: "SessionBlockOutside", Reason: "position opened outside session window"},
		}

	case EventTimerFire:
		if in.TimerName != "" || !cfg.CloseAtWindowEnd {
			return Result{} // only an unnamed timer fire drives the window-close edge; the daemon submits none, so CloseAtWindowEnd acts only when one is injected
		}
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return Result{}
		}
		now := in.Now.In(loc)
		endHour, endMin, err := parseHHMM(cfg.Global.End)
		if err != nil || now.Hour() != endHour || now.Minute() != endMin {
			return Result{}
		}

		until := nextSessionStart(now, cfg.Global, deps.Holidays)
		return Result{
			Breach: true,
			Reason: "session_block_outside: window closed",
			Remediations: []enforcement.Intent{
				{Kind: enforcement.IntentCloseAll, AccountID: in.AccountID},
				{Kind: enforcement.IntentCancelAll, AccountID: in.AccountID},
			},
			Lockout: &LockoutAction{Kind: domain.LockoutHard, Until: until, Source: "SessionBlockOutside", Reason: "session window closed"},
		}

	default:
		return Result{}
	}
}

func sessionWindowFor(cfg *config.SessionBlockConfig, symbol string) config.SessionWindow {
	if w, ok := cfg.PerSymbol[symbol]; ok {
		return w
	}
	return cfg.Global
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

// withinWindow reports whether now falls inside [start, end) of the given
// window on a non-holiday day.
func withinWindow(now time.Time, w config.SessionWindow, holidays map[string]bool) bool {
	if holidays[now.Format("2006-01-02")] {
		return false
	}
	startHour, startMin, err := parseHHMM(w.Start)
	if err != nil {
		return false
	}
	endHour, endMin, err := parseHHMM(w.End)
	if err != nil {
		return false
	}
	minuteOfDay := now.Hour()*60 + now.Minute()
	start := startHour*60 + startMin
	end := endHour*60 + endMin
	if start <= end {
		return minuteOfDay >= start && minuteOfDay < end
	}
	// overnight window, e.g. 18:00 -> 06:00
	return minuteOfDay >= start || minuteOfDay < end
}

// nextSessionStart returns the next instant the window opens, skipping
// holiday days.
func nextSessionStart(now time.Time, w config.SessionWindow, holidays map[string]bool) time.Time {
	startHour, startMin, err := parseHHMM(w.Start)
	if err != nil {
		return domain.NeverExpires
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), startHour, startMin, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for holidays[candidate.Format("2006-01-02")] {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
