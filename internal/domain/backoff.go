package domain

import "time"

const (
	backoffStep = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// RetryBackoff returns how long a task waits before becoming claimable
// again after its Nth failed attempt: linear 30-second steps, capped at
// 10 minutes. Attempt counts below 1 are treated as 1.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(attempts) * backoffStep
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// NextRetryTime returns the moment a task that has failed `attempts` times
// becomes eligible for re-claim.
func NextRetryTime(now time.Time, attempts int) time.Time {
	return now.Add(RetryBackoff(attempts))
}
