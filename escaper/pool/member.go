package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
)

type memberState uint8

const (
	stateHealthy memberState = iota
	stateCooldown
	stateHalfOpen
)

func (s memberState) String() string {
	switch s {
	case stateHealthy:
		return C.MemberHealthy
	case stateCooldown:
		return C.MemberCooldown
	case stateHalfOpen:
		return C.MemberHalfOpen
	default:
		return "unknown"
	}
}

// Member tracks the health of one pool target. Transitions follow dial
// outcomes only: reaching the failure threshold moves a healthy member into
// cooldown, expiry of the window moves it to half open, and the first probe
// outcome decides between healthy and another cooldown round.
type Member struct {
	tag     string
	weight  int
	escaper adapter.Escaper
	active  atomic.Int64

	access        sync.Mutex
	state         memberState
	failures      int
	cooldownUntil time.Time
}

func newMember(tag string, weight int) *Member {
	if weight <= 0 {
		weight = 1
	}
	return &Member{tag: tag, weight: weight}
}

func (m *Member) Tag() string {
	return m.tag
}

func (m *Member) Weight() int {
	return m.weight
}

func (m *Member) Active() int64 {
	return m.active.Load()
}

func (m *Member) State() string {
	m.access.Lock()
	defer m.access.Unlock()
	return m.state.String()
}

// eligible reports whether the member may serve a new dial at now. An expired
// cooldown window flips the member to half open as a side effect; half open
// members pass only when the caller's roll clears the probe rate.
func (m *Member) eligible(now time.Time, halfOpenRate float64, roll float64) bool {
	m.access.Lock()
	defer m.access.Unlock()
	switch m.state {
	case stateHealthy:
		return true
	case stateCooldown:
		if now.Before(m.cooldownUntil) {
			return false
		}
		m.state = stateHalfOpen
		fallthrough
	case stateHalfOpen:
		return roll < halfOpenRate
	default:
		return false
	}
}

func (m *Member) reportSuccess() {
	m.access.Lock()
	defer m.access.Unlock()
	m.state = stateHealthy
	m.failures = 0
}

// reportFailure returns true when the failure pushed the member into cooldown.
// A half open member goes straight back on its first failed probe.
func (m *Member) reportFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	m.access.Lock()
	defer m.access.Unlock()
	m.failures++
	if m.state == stateHalfOpen || m.failures >= threshold {
		m.state = stateCooldown
		m.cooldownUntil = now.Add(cooldown)
		m.failures = 0
		return true
	}
	return false
}

type trackedConn struct {
	net.Conn
	member *Member
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.member.active.Add(-1)
	}
	return c.Conn.Close()
}

func (c *trackedConn) Upstream() any {
	return c.Conn
}
