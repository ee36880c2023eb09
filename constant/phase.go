package constant

// Session phases, used for timeout attribution and telemetry.
const (
	PhaseResolve         = "resolve"
	PhaseConnect         = "connect"
	PhaseClientHandshake = "client-handshake"
	PhaseServerHandshake = "server-handshake"
	PhaseForward         = "forward"
	PhaseIdle            = "idle"
	PhaseTotal           = "total"
)

// Pool member health states.
const (
	MemberHealthy  = "healthy"
	MemberCooldown = "cooldown"
	MemberHalfOpen = "half_open"
)
