// Package duration holds the whole-second arithmetic shared by the
// attendance and presence trackers.
package duration

import (
	"fmt"
	"time"
)

// Seconds returns later minus earlier in whole seconds. Sub-second precision
// is discarded by truncating toward zero, so the result may be negative when
// later precedes earlier.
func Seconds(earlier, later time.Time) int64 {
	return int64(later.Sub(earlier) / time.Second)
}

// Clamped is Seconds with negative results forced to zero. skewed reports
// whether clamping happened.
func Clamped(earlier, later time.Time) (secs int64, skewed bool) {
	secs = Seconds(earlier, later)
	if later.Before(earlier) {
		return 0, true
	}
	return secs, false
}

// Elapsed is the clamped number of seconds from since until now.
func Elapsed(since, now time.Time) int64 {
	secs, _ := Clamped(since, now)
	return secs
}

// Format renders seconds as "Xh Ym". Negative input renders as "0h 0m".
func Format(secs int64) string {
	if secs <= 0 {
		return "0h 0m"
	}
	return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
}
