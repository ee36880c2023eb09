package generation

import (
	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/common/tls"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/option"

	E "github.com/sagernet/sing/common/exceptions"
)

func compilePolicies(options *option.InterceptOptions) (map[string]*adapter.InterceptPolicy, string, error) {
	if options == nil {
		return nil, "", nil
	}
	policies := make(map[string]*adapter.InterceptPolicy, len(options.Policies))
	for i, policyOptions := range options.Policies {
		if policyOptions.ID == "" {
			return nil, "", E.New("missing id for policy ", i)
		}
		if _, exists := policies[policyOptions.ID]; exists {
			return nil, "", E.New("duplicate policy id: ", policyOptions.ID)
		}
		policy, err := compilePolicy(policyOptions)
		if err != nil {
			return nil, "", E.Cause(err, "policy[", policyOptions.ID, "]")
		}
		if !options.Enabled {
			policy.Intercept = false
		}
		policies[policyOptions.ID] = policy
	}
	if options.DefaultPolicy != "" {
		if _, exists := policies[options.DefaultPolicy]; !exists {
			return nil, "", E.New("default policy not found: ", options.DefaultPolicy)
		}
	}
	return policies, options.DefaultPolicy, nil
}

func compilePolicy(options option.InterceptPolicyOptions) (*adapter.InterceptPolicy, error) {
	switch options.Provider {
	case "", C.TLSProviderSTD:
	case C.TLSProviderUTLS:
		if err := tls.CheckFingerprint(options.Fingerprint); err != nil {
			return nil, err
		}
	default:
		return nil, E.New("unknown tls provider: ", options.Provider)
	}
	verify := options.Verify
	if verify == "" {
		verify = C.VerifySystem
	}
	switch verify {
	case C.VerifySystem, C.VerifyInsecure:
	case C.VerifyPinned:
		if len(options.PinnedSHA256) == 0 {
			return nil, E.New("pinned verify mode requires pinned_sha256")
		}
	default:
		return nil, E.New("unknown verify mode: ", verify)
	}
	var minVersion, maxVersion uint16
	if options.MinVersion != "" {
		version, err := tls.ParseTLSVersion(options.MinVersion)
		if err != nil {
			return nil, E.Cause(err, "parse min_version")
		}
		minVersion = version
	}
	if options.MaxVersion != "" {
		version, err := tls.ParseTLSVersion(options.MaxVersion)
		if err != nil {
			return nil, E.Cause(err, "parse max_version")
		}
		maxVersion = version
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return nil, E.New("min_version is newer than max_version")
	}
	return &adapter.InterceptPolicy{
		Intercept:        options.Intercept,
		Provider:         options.Provider,
		Fingerprint:      options.Fingerprint,
		Verify:           verify,
		PinnedSHA256:     options.PinnedSHA256,
		ALPN:             options.ALPN,
		MinVersion:       minVersion,
		MaxVersion:       maxVersion,
		SessionCacheSize: options.SessionCacheSize,
	}, nil
}
