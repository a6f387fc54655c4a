package lanes

import "time"

// exponentialBackoff doubles base once per attempt up to cap, the shape
// every lane's throttle uses. jitterSeed lets a pure function still vary
// the jitter deterministically per input instead of calling into a random
// source.
func exponentialBackoff(base, cap_ time.Duration, attempt int, jitterSeed uint64) time.Duration {
	d := base
	for i := 0; i < attempt && d < cap_; i++ {
		d *= 2
	}
	if d > cap_ {
		d = cap_
	}
	tenth := d / 10
	if tenth <= 0 {
		return d
	}
	return d + time.Duration(jitterSeed%uint64(tenth))
}

// quarantineBackoff is the CI-triage throttle applied when the same CI
// failure signature repeats.
func quarantineBackoff(attempt int, signature uint64) time.Duration {
	return exponentialBackoff(30*time.Second, 20*time.Minute, attempt, signature)
}

// parentVerifyBackoff is the deferred-retry window for a parent-verification
// attempt that failed to parse or was attempted too soon.
func parentVerifyBackoff(attempt int, jitterSeed uint64) time.Duration {
	return exponentialBackoff(time.Minute, 30*time.Minute, attempt, jitterSeed)
}
