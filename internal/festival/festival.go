// Package festival detects whether a given day is a festival and supplies
// per-festival prompt variants. Both fixed Gregorian dates and lunar-calendar
// dates are supported; lunar conversion goes through the lunar-go library.
// Detection is cached per calendar day since the answer cannot change within
// one.
package festival

import (
	"math/rand"
	"sync"
	"time"

	"github.com/6tail/lunar-go/calendar"
)

// Festival is one detected celebration day.
type Festival struct {
	Name    string
	Prompts []string
}

// Prompt draws one prompt variant for the festival.
func (f Festival) Prompt(rng *rand.Rand) string {
	if len(f.Prompts) == 0 {
		return ""
	}
	return f.Prompts[rng.Intn(len(f.Prompts))]
}

type gregorianDate struct{ month, day int }
type lunarDate struct{ month, day int }

var gregorianFestivals = map[gregorianDate]Festival{
	{1, 1}: {
		Name: "New Year's Day",
		Prompts: []string{
			"It is New Year's Day. Wish them a happy new year and ask what they hope this year brings.",
			"It is the first day of the year. Share something you are looking forward to and wish them well.",
		},
	},
	{2, 14}: {
		Name: "Valentine's Day",
		Prompts: []string{
			"It is Valentine's Day. Send a lighthearted, warm message about the day.",
		},
	},
	{12, 24}: {
		Name: "Christmas Eve",
		Prompts: []string{
			"It is Christmas Eve. Mention the cozy evening atmosphere and wish them peace.",
		},
	},
	{12, 25}: {
		Name: "Christmas",
		Prompts: []string{
			"It is Christmas Day. Send festive wishes and ask how they are spending it.",
		},
	},
}

var lunarFestivals = map[lunarDate]Festival{
	{1, 1}: {
		Name: "Spring Festival",
		Prompts: []string{
			"It is the Lunar New Year. Send warm new-year wishes and mention the festive mood.",
			"It is Spring Festival. Wish them a happy new year and ask about their celebration plans.",
		},
	},
	{1, 15}: {
		Name: "Lantern Festival",
		Prompts: []string{
			"It is the Lantern Festival. Mention lanterns and sweet rice dumplings.",
		},
	},
	{5, 5}: {
		Name: "Dragon Boat Festival",
		Prompts: []string{
			"It is the Dragon Boat Festival. Mention zongzi and wish them well.",
		},
	},
	{7, 7}: {
		Name: "Qixi Festival",
		Prompts: []string{
			"It is Qixi. Send a gentle, romantic-flavored greeting about the day.",
		},
	},
	{8, 15}: {
		Name: "Mid-Autumn Festival",
		Prompts: []string{
			"It is the Mid-Autumn Festival. Mention the full moon and mooncakes.",
			"It is Mid-Autumn. Ask whether they are admiring the moon tonight.",
		},
	},
	{9, 9}: {
		Name: "Double Ninth Festival",
		Prompts: []string{
			"It is the Double Ninth Festival. Mention autumn and wish their family health.",
		},
	},
}

// Detector answers "is today a festival" with a per-day cache.
type Detector struct {
	mu      sync.Mutex
	cacheDay string
	cached   *Festival
}

// NewDetector creates an empty detector.
func NewDetector() *Detector { return &Detector{} }

// On reports the festival falling on the given day, if any. Gregorian dates
// win over lunar ones when both match.
func (d *Detector) On(day time.Time) (Festival, bool) {
	key := day.Format("2006-01-02")

	d.mu.Lock()
	if d.cacheDay == key {
		f := d.cached
		d.mu.Unlock()
		if f == nil {
			return Festival{}, false
		}
		return *f, true
	}
	d.mu.Unlock()

	f, ok := lookup(day)

	d.mu.Lock()
	d.cacheDay = key
	if ok {
		cp := f
		d.cached = &cp
	} else {
		d.cached = nil
	}
	d.mu.Unlock()
	return f, ok
}

func lookup(day time.Time) (Festival, bool) {
	if f, ok := gregorianFestivals[gregorianDate{int(day.Month()), day.Day()}]; ok {
		return f, true
	}
	lunar := calendar.NewLunarFromDate(day)
	if f, ok := lunarFestivals[lunarDate{lunar.GetMonth(), lunar.GetDay()}]; ok {
		return f, true
	}
	return Festival{}, false
}
