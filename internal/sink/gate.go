package sink

import (
	"fmt"
	"sync"
	"time"

	"maskguard-service/internal/domain/detection"
)

type AlertPolicy string

const (
	PolicyTransition           AlertPolicy = "transition"
	PolicyCooldown             AlertPolicy = "cooldown"
	PolicyTransitionOrCooldown AlertPolicy = "transition_or_cooldown"
)

const (
	ReasonTransition = "transition"
	ReasonCooldown   = "cooldown_expired"
)

func ParseAlertPolicy(v string) (AlertPolicy, error) {
	switch p := AlertPolicy(v); p {
	case PolicyTransition, PolicyCooldown, PolicyTransitionOrCooldown:
		return p, nil
	case "":
		return PolicyTransitionOrCooldown, nil
	default:
		return "", fmt.Errorf("unknown alert policy %q", v)
	}
}

// AlertGate decides per source whether a violation event should notify.
// A violation episode counts as announced, and the cool-down clock runs,
// only from an alert that was actually delivered.
type AlertGate struct {
	policy        AlertPolicy
	cooldown      time.Duration
	minViolations int
	now           func() time.Time

	mu     sync.Mutex
	states map[string]*gateState
}

type gateState struct {
	// announced is set by MarkSent and cleared by the next compliant event.
	announced bool
	lastSent  time.Time
}

func NewAlertGate(policy AlertPolicy, cooldown time.Duration, minViolations int) *AlertGate {
	if minViolations <= 0 {
		minViolations = 1
	}
	return &AlertGate{
		policy:        policy,
		cooldown:      cooldown,
		minViolations: minViolations,
		now:           time.Now,
		states:        make(map[string]*gateState),
	}
}

func (g *AlertGate) state(source string) *gateState {
	st, ok := g.states[source]
	if !ok {
		st = &gateState{}
		g.states[source] = st
	}
	return st
}

// Decide returns the alert reason for e, or "" if no alert is due. A
// compliant event ends the current violation episode.
func (g *AlertGate) Decide(e *detection.Event) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(e.SourceID)
	if e.Compliant(g.minViolations) {
		st.announced = false
		return ""
	}
	fresh := !st.announced

	cooled := st.lastSent.IsZero() || g.now().Sub(st.lastSent) >= g.cooldown
	switch g.policy {
	case PolicyTransition:
		if fresh {
			return ReasonTransition
		}
	case PolicyCooldown:
		if cooled {
			return ReasonCooldown
		}
	default:
		if fresh {
			return ReasonTransition
		}
		if cooled {
			return ReasonCooldown
		}
	}
	return ""
}

// MarkSent records a delivered alert: the current violation episode is
// announced and the cool-down starts at t.
func (g *AlertGate) MarkSent(source string, t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(source)
	st.announced = true
	if t.After(st.lastSent) {
		st.lastSent = t
	}
}

// Seed starts the cool-down at t without touching the episode state.
func (g *AlertGate) Seed(source string, t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(source)
	if t.After(st.lastSent) {
		st.lastSent = t
	}
}

func (g *AlertGate) LastSent(source string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[source]; ok {
		return st.lastSent
	}
	return time.Time{}
}
