package constant

const (
	TypeDirect = "direct"
	TypeProxy  = "proxy"
	TypePool   = "pool"
	TypeChain  = "chain"
)

const (
	PoolPolicyRoundRobin       = "round_robin"
	PoolPolicyWeightedRandom   = "weighted_random"
	PoolPolicyLeastConnections = "least_connections"
)
