package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Backoff is a retry delay table indexed by attempt count. Attempts past the
// end reuse the last entry.
type Backoff []time.Duration

// DefaultBackoff retries almost immediately, then at 1, 5, 15 and 60 minutes.
var DefaultBackoff = Backoff{0, time.Minute, 5 * time.Minute, 15 * time.Minute, 60 * time.Minute}

// Delay returns the wait before retrying after the given attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b) {
		return b[len(b)-1]
	}
	return b[attempt]
}

// Validate rejects empty or decreasing schedules.
func (b Backoff) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("backoff schedule is empty")
	}
	for i := range b {
		if b[i] < 0 {
			return fmt.Errorf("backoff entry %d is negative", i)
		}
		if i > 0 && b[i] < b[i-1] {
			return fmt.Errorf("backoff entry %d (%s) is shorter than entry %d (%s)", i, b[i], i-1, b[i-1])
		}
	}
	return nil
}

// ParseBackoffMinutes parses a comma separated list of minutes such as
// "0,1,5,15,60".
func ParseBackoffMinutes(s string) (Backoff, error) {
	var b Backoff
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff entry %q: %w", part, err)
		}
		b = append(b, time.Duration(m*float64(time.Minute)))
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
