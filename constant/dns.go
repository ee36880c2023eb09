package constant

const (
	DefaultDNSTTL = 600

	DNSTypeSystem = "system"
	DNSTypeUDP    = "udp"
	DNSTypeTCP    = "tcp"
	DNSTypeTLS    = "tls"
)

const (
	DNSStrategyPreferIPv4 = "prefer_ipv4"
	DNSStrategyPreferIPv6 = "prefer_ipv6"
	DNSStrategyIPv4Only   = "ipv4_only"
	DNSStrategyIPv6Only   = "ipv6_only"
)
