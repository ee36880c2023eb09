package constant

const (
	TLSProviderSTD  = "std"
	TLSProviderUTLS = "utls"
)

const (
	VerifySystem   = "system"
	VerifyInsecure = "insecure"
	VerifyPinned   = "pinned"
)
