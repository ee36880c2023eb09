package constant

import "time"

const (
	TCPTimeout          = 5 * time.Second
	DNSTimeout          = 10 * time.Second
	TLSTimeout          = 10 * time.Second
	IdleTimeout         = 300 * time.Second
	NegativeTTL         = 15 * time.Second
	StartTimeout        = 10 * time.Second
	StopTimeout         = 5 * time.Second
	PoolCooldownWindow  = 30 * time.Second
	ForgedLifetime      = 24 * time.Hour
	ForgedNotBeforeSkew = time.Hour
)
