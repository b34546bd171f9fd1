package infra

import (
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// CalculateBackoff returns backoffBase doubled retry times, capped at
// backoffCap. Negative retries count as zero.
func CalculateBackoff(retry int) time.Duration {
	d := backoffBase
	for i := 0; i < retry && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
