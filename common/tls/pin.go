package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"

	E "github.com/sagernet/sing/common/exceptions"
)

func parsePinnedSHA256(fingerprints []string) ([][sha256.Size]byte, error) {
	pins := make([][sha256.Size]byte, 0, len(fingerprints))
	for _, fingerprint := range fingerprints {
		cleaned := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
		raw, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, E.Cause(err, "parse pinned_sha256: ", fingerprint)
		}
		if len(raw) != sha256.Size {
			return nil, E.New("parse pinned_sha256: ", fingerprint, ": expected ", sha256.Size, " bytes")
		}
		pins = append(pins, [sha256.Size]byte(raw))
	}
	return pins, nil
}

func matchPinnedPeer(pins [][sha256.Size]byte, peerCertificates []*x509.Certificate) error {
	for _, certificate := range peerCertificates {
		sum := sha256.Sum256(certificate.Raw)
		for _, pin := range pins {
			if sum == pin {
				return nil
			}
		}
	}
	return E.New("peer certificate does not match any pinned fingerprint")
}
