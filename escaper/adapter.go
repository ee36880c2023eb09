package escaper

type Adapter struct {
	escaperType  string
	escaperTag   string
	network      []string
	dependencies []string
}

func NewAdapter(escaperType string, escaperTag string, network []string, dependencies []string) Adapter {
	return Adapter{
		escaperType:  escaperType,
		escaperTag:   escaperTag,
		network:      network,
		dependencies: dependencies,
	}
}

func NewAdapterWithDetour(escaperType string, escaperTag string, network []string, detour string) Adapter {
	var dependencies []string
	if detour != "" {
		dependencies = []string{detour}
	}
	return NewAdapter(escaperType, escaperTag, network, dependencies)
}

func (a *Adapter) Type() string {
	return a.escaperType
}

func (a *Adapter) Tag() string {
	return a.escaperTag
}

func (a *Adapter) Network() []string {
	return a.network
}

func (a *Adapter) Dependencies() []string {
	return a.dependencies
}
