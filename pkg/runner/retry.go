package runner

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/devicelab-dev/device-pool/pkg/logger"
)

// Poll interval growth factor for escalating retries.
const pollTimeIncreaseFactor = 4

// RunEscalatingTimedRetry retries runnable until the wall clock passes
// maxTime from the first attempt. The poll interval starts at
// initialPollInterval and is multiplied by 4 after each failure, capped at
// maxPollInterval.
func (r *RunUtil) RunEscalatingTimedRetry(opTimeout, initialPollInterval, maxPollInterval, maxTime time.Duration, runnable Runnable) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialPollInterval
	policy.RandomizationFactor = 0
	policy.Multiplier = pollTimeIncreaseFactor
	policy.MaxInterval = maxPollInterval
	// Wall clock is bounded by the loop below, not by the policy.
	policy.MaxElapsedTime = 0
	policy.Reset()

	initialTime := time.Now()
	for time.Since(initialTime) < maxTime {
		if r.RunTimed(opTimeout, runnable, true) == StatusSuccess {
			return true
		}
		pollInterval := policy.NextBackOff()
		logger.Debug("operation failed, waiting for %v", pollInterval)
		r.Sleep(pollInterval)
	}
	return false
}
