package resilience

import (
	"time"
)

// FromDeliveryConfig converts config values to the fixed-pause policy used
// for alert delivery.
func FromDeliveryConfig(maxAttempts, pauseMs int) RetryConfig {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	pause := time.Second
	if pauseMs > 0 {
		pause = time.Duration(pauseMs) * time.Millisecond
	}
	return Fixed(maxAttempts, pause)
}
