package retry

import (
	"math"
	"time"
)

// Policy controls reconnect delays for one retry scope.
//
// Exponential: min(BaseDelay * Multiplier^(n-1) + jitter, MaxDelay).
// Linear (LinearCap > 0): min(BaseDelay * min(n, LinearCap) + jitter, MaxDelay).
type Policy struct {
	BaseDelay  time.Duration `koanf:"base_delay"`
	Multiplier float64       `koanf:"multiplier"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	JitterMax  time.Duration `koanf:"jitter_max"`
	// MaxAttempts <= 0 means no cap.
	MaxAttempts int `koanf:"max_attempts"`
	LinearCap   int `koanf:"linear_cap"`
}

const (
	DefaultBaseDelay  = time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 30 * time.Second
	DefaultJitterMax  = time.Second
)

// DefaultPolicy is the exponential backoff used when a scope registers nothing.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
		JitterMax:  DefaultJitterMax,
	}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) || p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterMax < 0 {
		p.JitterMax = 0
	}
	return p
}

// Delay computes the wait before attempt n (1-based) given a jitter sample
// in [0, JitterMax). The result is always in (0, MaxDelay].
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if jitter < 0 {
		jitter = 0
	}

	var base float64
	if p.LinearCap > 0 {
		n := attempt
		if n > p.LinearCap {
			n = p.LinearCap
		}
		base = float64(p.BaseDelay) * float64(n)
	} else {
		base = float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	}

	total := base + float64(jitter)
	if math.IsInf(total, 0) || math.IsNaN(total) || total > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	d := time.Duration(total)
	if d <= 0 {
		return p.BaseDelay
	}
	return d
}
