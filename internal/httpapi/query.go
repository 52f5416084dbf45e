package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"workpulse/internal/apperr"
	"workpulse/internal/report"
)

const dateLayout = "2006-01-02"

// parseBound accepts RFC 3339 timestamps or calendar dates in loc.
func parseBound(v string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(dateLayout, v, loc); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// dateRange reads from/to or date. A date-only "to" is inclusive of that
// day. With defaultToday, a request without bounds covers the current day.
func (h *Handler) dateRange(c *gin.Context, op string, defaultToday bool) (report.DateRange, error) {
	if d := c.Query("date"); d != "" {
		t, err := time.ParseInLocation(dateLayout, d, h.loc)
		if err != nil {
			return report.DateRange{}, apperr.Validation(op, "date must be YYYY-MM-DD")
		}
		return report.Day(t, h.loc), nil
	}

	var r report.DateRange
	if v := c.Query("from"); v != "" {
		t, ok := parseBound(v, h.loc)
		if !ok {
			return r, apperr.Validation(op, "from must be RFC 3339 or YYYY-MM-DD")
		}
		r.From = t
	}
	if v := c.Query("to"); v != "" {
		t, ok := parseBound(v, h.loc)
		if !ok {
			return r, apperr.Validation(op, "to must be RFC 3339 or YYYY-MM-DD")
		}
		if len(v) == len(dateLayout) {
			t = t.AddDate(0, 0, 1)
		}
		r.To = t
	}
	if r.From.IsZero() && r.To.IsZero() && defaultToday {
		return report.Day(h.sessions.Now(), h.loc), nil
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return r, apperr.Validation(op, "from must be before to")
	}
	return r, nil
}
