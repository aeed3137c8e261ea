package queue

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/content"
	"postbot/internal/storage"
)

const (
	minTypeWeight = 1.0
	maxTypeWeight = 168.0
)

// planned is one concrete firing of a schedule slot.
type planned struct {
	slot storage.PostingScheduleSlot
	at   time.Time
}

// expandSlots turns daily slots into instants in [now, now+horizon), in time
// order. Same-instant slots keep the higher priority first.
func expandSlots(slots []storage.PostingScheduleSlot, now time.Time, horizon time.Duration, loc *time.Location) ([]planned, []error) {
	var (
		out  []planned
		errs []error
	)
	local := now.In(loc)
	end := now.Add(horizon)
	days := int(horizon/(24*time.Hour)) + 1
	for _, s := range slots {
		h, m, err := config.ParseHHMM(strings.TrimSpace(s.TimeOfDay))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for d := 0; d <= days; d++ {
			at := time.Date(local.Year(), local.Month(), local.Day()+d, h, m, 0, 0, loc)
			if at.Before(now) || !at.Before(end) {
				continue
			}
			out = append(out, planned{slot: s, at: at.UTC()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].slot.Priority > out[j].slot.Priority
	})
	return out, errs
}

// pickContentType draws one preferred type, weighting each by the hours
// since it was last scheduled. Never-used types get the maximum weight.
func pickContentType(r *rand.Rand, preferred []content.ContentType, last map[content.ContentType]time.Time, at time.Time) content.ContentType {
	if len(preferred) == 0 {
		preferred = content.AllContentTypes
	}
	if len(preferred) == 1 {
		return preferred[0]
	}
	weights := make([]float64, len(preferred))
	total := 0.0
	for i, ct := range preferred {
		w := maxTypeWeight
		if t, ok := last[ct]; ok && !t.IsZero() {
			w = at.Sub(t).Hours()
		}
		w = min(max(w, minTypeWeight), maxTypeWeight)
		weights[i] = w
		total += w
	}
	x := r.Float64() * total
	for i, w := range weights {
		if x < w {
			return preferred[i]
		}
		x -= w
	}
	return preferred[len(preferred)-1]
}

// nextAngle returns the least recently used angle. Unused angles have a
// zero time, so they always come first, in rotation order.
func nextAngle(angles []string, used map[string]time.Time) string {
	best := ""
	var bestAt time.Time
	for i, a := range angles {
		t := used[a]
		if i == 0 || t.Before(bestAt) {
			best, bestAt = a, t
		}
	}
	return best
}

// vipEntitled reports whether a VIP with the given cadence may be featured
// at slot. Half a day of slack absorbs slots that drift within a day.
func vipEntitled(last time.Time, cadenceDays int, slot time.Time) bool {
	if last.IsZero() {
		return true
	}
	if cadenceDays < 1 {
		cadenceDays = 1
	}
	due := last.Add(time.Duration(cadenceDays)*24*time.Hour - 12*time.Hour)
	return !due.After(slot)
}
