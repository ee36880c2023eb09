package pool

import (
	"context"
	"math/rand"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/option"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

func RegisterEscaper(registry *escaper.Registry) {
	escaper.Register[option.PoolEscaperOptions](registry, C.TypePool, NewEscaper)
}

const (
	defaultFailureThreshold = 5
	defaultHalfOpenRate     = 0.1
)

var _ adapter.Escaper = (*Escaper)(nil)

// Escaper balances connections over a set of member escapers and keeps
// unhealthy members out of rotation. A dial walks members in policy order
// until one connects, so a single bad member costs a retry, not the session.
type Escaper struct {
	escaper.Adapter
	ctx              context.Context
	manager          adapter.EscaperManager
	logger           logger.ContextLogger
	policy           string
	failureThreshold int
	cooldown         time.Duration
	halfOpenRate     float64
	members          []*Member
	roundRobin       atomic.Uint64
}

func NewEscaper(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options option.PoolEscaperOptions) (adapter.Escaper, error) {
	if len(options.Members) == 0 {
		return nil, E.New("missing members")
	}
	policy := options.Policy
	if policy == "" {
		policy = C.PoolPolicyRoundRobin
	}
	switch policy {
	case C.PoolPolicyRoundRobin, C.PoolPolicyWeightedRandom, C.PoolPolicyLeastConnections:
	default:
		return nil, E.New("unknown pool policy: ", policy)
	}
	failureThreshold := options.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	cooldown := time.Duration(options.Cooldown)
	if cooldown <= 0 {
		cooldown = C.PoolCooldownWindow
	}
	halfOpenRate := options.HalfOpenRate
	if halfOpenRate <= 0 || halfOpenRate > 1 {
		halfOpenRate = defaultHalfOpenRate
	}
	members := make([]*Member, 0, len(options.Members))
	for i, memberOptions := range options.Members {
		if memberOptions.Escaper == "" {
			return nil, E.New("missing escaper tag for member ", i)
		}
		members = append(members, newMember(memberOptions.Escaper, memberOptions.Weight))
	}
	memberTags := common.Map(members, (*Member).Tag)
	return &Escaper{
		Adapter:          escaper.NewAdapter(C.TypePool, tag, []string{N.NetworkTCP}, memberTags),
		ctx:              ctx,
		manager:          manager,
		logger:           logger,
		policy:           policy,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		halfOpenRate:     halfOpenRate,
		members:          members,
	}, nil
}

func (e *Escaper) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	for i, member := range e.members {
		memberEscaper, loaded := e.manager.Escaper(member.tag)
		if !loaded {
			return E.New("member ", i, " not found: ", member.tag)
		}
		member.escaper = memberEscaper
	}
	return nil
}

func (e *Escaper) Close() error {
	return nil
}

func (e *Escaper) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	ctx, metadata := adapter.ExtendContext(ctx)
	metadata.Escaper = e.Tag()
	metadata.Destination = destination
	tried := make(map[*Member]bool, len(e.members))
	var dialErrors []error
	for {
		member := e.selectMember(tried)
		if member == nil {
			break
		}
		tried[member] = true
		conn, err := member.escaper.DialContext(ctx, network, destination)
		if err == nil {
			member.reportSuccess()
			member.active.Add(1)
			e.logger.DebugContext(ctx, "selected member ", member.tag, " for connection to ", destination)
			return &trackedConn{Conn: conn, member: member}, nil
		}
		if member.reportFailure(time.Now(), e.failureThreshold, e.cooldown) {
			e.logger.WarnContext(ctx, "member ", member.tag, " entered cooldown for ", e.cooldown)
		}
		dialErrors = append(dialErrors, E.Cause(err, member.tag))
		if ctx.Err() != nil {
			break
		}
	}
	if len(dialErrors) == 0 {
		return nil, &adapter.SessionError{Kind: adapter.KindUnreachable, Inner: E.New("no member available")}
	}
	return nil, &adapter.SessionError{Kind: adapter.KindUnreachable, Inner: E.Errors(dialErrors...)}
}

func (e *Escaper) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

// selectMember picks the next untried eligible member under the configured
// policy, or nil when the pool is exhausted for this dial. Cooldown is a
// preference, not a hard gate: once no eligible member remains, the dial
// still walks the cooling members before giving up.
func (e *Escaper) selectMember(tried map[*Member]bool) *Member {
	now := time.Now()
	candidates := make([]*Member, 0, len(e.members))
	for _, member := range e.members {
		if tried[member] {
			continue
		}
		if member.eligible(now, e.halfOpenRate, rand.Float64()) {
			candidates = append(candidates, member)
		}
	}
	if len(candidates) == 0 {
		for _, member := range e.members {
			if !tried[member] {
				candidates = append(candidates, member)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	switch e.policy {
	case C.PoolPolicyWeightedRandom:
		total := 0
		for _, member := range candidates {
			total += member.weight
		}
		pick := rand.Intn(total)
		for _, member := range candidates {
			pick -= member.weight
			if pick < 0 {
				return member
			}
		}
		return candidates[len(candidates)-1]
	case C.PoolPolicyLeastConnections:
		selected := candidates[0]
		for _, member := range candidates[1:] {
			if member.active.Load() < selected.active.Load() {
				selected = member
			}
		}
		return selected
	default:
		return candidates[e.roundRobin.Add(1)%uint64(len(candidates))]
	}
}

type MemberStatus struct {
	Tag    string `json:"tag"`
	State  string `json:"state"`
	Weight int    `json:"weight"`
	Active int64  `json:"active"`
}

func (e *Escaper) MemberStatus() []MemberStatus {
	return common.Map(e.members, func(member *Member) MemberStatus {
		return MemberStatus{
			Tag:    member.tag,
			State:  member.State(),
			Weight: member.weight,
			Active: member.Active(),
		}
	})
}
