// Package backoff computes delays between retries of failed dispatches and
// conflicted transactions. Strategies are stateless and safe for concurrent
// use.
package backoff

import (
	"fmt"
	"math"
	"time"

	"github.com/dogmatiq/linger"
	lingerbackoff "github.com/dogmatiq/linger/backoff"
)

// Strategy computes the delay before retry attempt n. Attempt 1 is the first
// retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant waits the same interval before every attempt.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Linear grows the delay by Initial per attempt, capped at Max when Max > 0.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capAt(float64(l.Initial)*float64(attempt), l.Max)
}

// Exponential doubles the delay per attempt, capped at Max when Max > 0.
// It has no jitter; FullJitter is the randomized variant.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capAt(float64(e.Initial)*math.Pow(2, float64(attempt-1)), e.Max)
}

func capAt(d float64, limit time.Duration) time.Duration {
	if limit > 0 && d > float64(limit) {
		return limit
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Linger adapts a github.com/dogmatiq/linger/backoff strategy. The attempt
// number is passed as the failure count.
type Linger lingerbackoff.Strategy

func (l Linger) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return l(nil, uint(attempt))
}

// FullJitter grows exponentially from initial and draws each delay
// uniformly below the computed one, capped at limit when limit > 0.
func FullJitter(initial, limit time.Duration) Strategy {
	s := lingerbackoff.WithTransforms(lingerbackoff.Exponential(initial), linger.FullJitter)
	if limit > 0 {
		s = lingerbackoff.WithTransforms(s, linger.Limiter(0, limit))
	}
	return Linger(s)
}

// Default is exponential with full jitter from one second up to one minute.
func Default() Strategy {
	return FullJitter(time.Second, time.Minute)
}

// Names accepted by Parse.
const (
	NameConstant    = "constant"
	NameLinear      = "linear"
	NameExponential = "exponential"
	NameJitter      = "jitter"
)

// Parse builds a strategy from its configuration name. An empty name yields
// Default.
func Parse(name string, initial, limit time.Duration) (Strategy, error) {
	if initial < 0 || limit < 0 {
		return nil, fmt.Errorf("backoff: negative delay (initial %s, max %s)", initial, limit)
	}
	switch name {
	case "":
		return Default(), nil
	case NameConstant:
		return Constant{Interval: initial}, nil
	case NameLinear:
		return Linear{Initial: initial, Max: limit}, nil
	case NameExponential:
		return Exponential{Initial: initial, Max: limit}, nil
	case NameJitter:
		return FullJitter(initial, limit), nil
	}
	return nil, fmt.Errorf("backoff: unknown strategy %q", name)
}
