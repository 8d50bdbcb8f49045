package timeperiod

import "time"

// Window is a wall-clock active-hours gate. When disabled it admits every
// time. Start is inclusive, End exclusive; a Start after End wraps midnight.
type Window struct {
	Enabled   bool
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}
