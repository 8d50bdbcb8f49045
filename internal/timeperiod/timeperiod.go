// Package timeperiod maps wall-clock hours onto the seven day periods the
// agent reasons about. Every outgoing message is framed for the period it is
// sent in, and the persona day plan is keyed by the same periods.
package timeperiod

import "time"

// Period is a named slice of the day.
type Period string

const (
	Morning   Period = "morning"    // 06:00–08:00
	Forenoon  Period = "forenoon"   // 08:00–11:00
	Lunch     Period = "lunch"      // 11:00–13:00
	Afternoon Period = "afternoon"  // 13:00–17:00
	Dinner    Period = "dinner"     // 17:00–19:00
	Evening   Period = "evening"    // 19:00–23:00
	LateNight Period = "late_night" // 23:00–06:00
)

// All lists the periods in day order, starting at morning.
var All = []Period{Morning, Forenoon, Lunch, Afternoon, Dinner, Evening, LateNight}

// Of returns the period containing t's local hour.
func Of(t time.Time) Period {
	switch h := t.Hour(); {
	case h >= 6 && h < 8:
		return Morning
	case h >= 8 && h < 11:
		return Forenoon
	case h >= 11 && h < 13:
		return Lunch
	case h >= 13 && h < 17:
		return Afternoon
	case h >= 17 && h < 19:
		return Dinner
	case h >= 19 && h < 23:
		return Evening
	default:
		return LateNight
	}
}

// Label returns the human-readable phrasing used inside prompts.
func (p Period) Label() string {
	switch p {
	case Morning:
		return "early morning"
	case Forenoon:
		return "morning"
	case Lunch:
		return "lunchtime"
	case Afternoon:
		return "afternoon"
	case Dinner:
		return "dinnertime"
	case Evening:
		return "evening"
	case LateNight:
		return "late at night"
	default:
		return string(p)
	}
}
