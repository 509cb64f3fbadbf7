// Package guard decides whether order execution must be simulated.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SettingsReader looks up persisted runtime toggles.
type SettingsReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

const overrideKey = "dry_override"

// DryModeGuard reports whether execution calls must be simulated: a persisted
// manual override, a static config flag, or the configured night window.
// The answer depends on wall-clock time, so it is re-evaluated on every call.
type DryModeGuard struct {
	settings SettingsReader
	force    bool
	start    int // minutes into the day
	end      int
	loc      *time.Location
	now      func() time.Time
}

// New builds a guard. nightStart/nightEnd use "HH:MM"; an invalid window
// disables the night rule.
func New(settings SettingsReader, force bool, nightStart, nightEnd string, loc *time.Location) (*DryModeGuard, error) {
	start, err := parseClock(nightStart)
	if err != nil {
		return nil, fmt.Errorf("night start: %w", err)
	}
	end, err := parseClock(nightEnd)
	if err != nil {
		return nil, fmt.Errorf("night end: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &DryModeGuard{
		settings: settings,
		force:    force,
		start:    start,
		end:      end,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// Active returns true when the next execution must be simulated.
func (g *DryModeGuard) Active(ctx context.Context) bool {
	if g.settings != nil {
		override, ok, err := g.settings.Get(ctx, overrideKey)
		if err != nil {
			log.Warn().Err(err).Msg("dry guard: read override failed")
		} else if ok {
			switch strings.ToLower(override) {
			case "on":
				return true
			case "off":
				// fall through to config/night checks
			}
		}
	}

	if g.force {
		return true
	}

	return g.inNightWindow(g.now().In(g.loc))
}

func (g *DryModeGuard) inNightWindow(t time.Time) bool {
	if g.start == g.end {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if g.start > g.end {
		// Window spans midnight, e.g. 23:00–07:30.
		return minute >= g.start || minute <= g.end
	}
	return minute >= g.start && minute <= g.end
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute %q", s)
	}
	return h*60 + m, nil
}
