package breaklocksdk

import (
	"fmt"
	"time"
)

// Remaining is the time left on b at now, never negative.
func Remaining(b Break, now time.Time) time.Duration {
	if b.EndedAt != nil {
		return 0
	}
	if d := b.EndsAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NextFreeIn is how long until a slot opens, or 0 when the pool is not locked.
func NextFreeIn(st Status, now time.Time) time.Duration {
	if !st.Locked || st.NextFreeAt == nil {
		return 0
	}
	if d := st.NextFreeAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// FormatCountdown renders d as m:ss, rounding partial seconds up so a countdown
// never shows 0:00 while time remains.
func FormatCountdown(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
