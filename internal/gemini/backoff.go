package gemini

import "time"

// backoffDelay returns the delay before retrying a failed attempt.
// attempt is zero-based, so the schedule is 1s, 2s, 4s, 8s.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
