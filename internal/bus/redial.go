package bus

import (
	"math/rand"
	"time"
)

// RedialPolicy spaces out reconnects to one peer address.
type RedialPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter spreads each delay over [d/2, 3d/2).
	Jitter bool
}

func DefaultRedialPolicy() RedialPolicy {
	return RedialPolicy{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  true,
	}
}

// redialer tracks one peer address. A session that got past the handshake
// resets it, so a peer that restarts is found again within Initial.
type redialer struct {
	policy   RedialPolicy
	rng      *rand.Rand
	failures int
	delay    time.Duration
}

func newRedialer(p RedialPolicy, seed int64) *redialer {
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.Max > 0 && p.Initial > p.Max {
		p.Initial = p.Max
	}
	return &redialer{policy: p, rng: rand.New(rand.NewSource(seed))}
}

// next returns how long to wait after an attempt. connected reports whether
// the attempt reached a session.
func (r *redialer) next(connected bool) time.Duration {
	if connected || r.delay == 0 {
		r.failures = 0
		r.delay = r.policy.Initial
	} else {
		r.failures++
		r.delay = time.Duration(float64(r.delay) * r.policy.Factor)
		if r.policy.Max > 0 && r.delay > r.policy.Max {
			r.delay = r.policy.Max
		}
	}
	if !r.policy.Jitter || r.delay <= 0 {
		return r.delay
	}
	return r.delay/2 + time.Duration(r.rng.Int63n(int64(r.delay)))
}
