package admission

import (
	"fmt"
	"strconv"
	"time"
)

// TooManyRequestsError is returned when an identity spent its budget for the
// current window.
type TooManyRequestsError struct {
	// Max is the budget per window.
	Max int
	// Window is the window length.
	Window time.Duration
	// RetryAfter is the time left until the window resets.
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("Exceeded %d requests per %s", e.Max, humanize(e.Window))
}

// GoaErrorName returns the error name used in HTTP responses.
func (e *TooManyRequestsError) GoaErrorName() string { return "too_many_requests" }

// humanize renders d as a count of its largest whole unit, "1 second" or
// "500 milliseconds".
func humanize(d time.Duration) string {
	units := []struct {
		size time.Duration
		name string
	}{
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
		{time.Millisecond, "millisecond"},
	}
	for _, u := range units {
		if d >= u.size && d%u.size == 0 {
			return plural(int64(d/u.size), u.name)
		}
	}
	return plural(d.Milliseconds(), "millisecond")
}

func plural(n int64, unit string) string {
	s := strconv.FormatInt(n, 10) + " " + unit
	if n != 1 {
		s += "s"
	}
	return s
}
