package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePinnedSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("leaf certificate"))
	plain := hex.EncodeToString(sum[:])
	parts := make([]string, 0, len(sum))
	for _, b := range sum {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	colons := strings.Join(parts, ":")

	pins, err := parsePinnedSHA256([]string{plain, colons})
	require.NoError(t, err)
	require.Equal(t, [][sha256.Size]byte{sum, sum}, pins)

	_, err = parsePinnedSHA256([]string{"not hex"})
	require.Error(t, err)
	_, err = parsePinnedSHA256([]string{"abcd"})
	require.Error(t, err)
}

func TestMatchPinnedPeer(t *testing.T) {
	leaf := &x509.Certificate{Raw: []byte("leaf certificate")}
	issuer := &x509.Certificate{Raw: []byte("issuer certificate")}
	issuerPin := sha256.Sum256(issuer.Raw)

	require.NoError(t, matchPinnedPeer([][sha256.Size]byte{issuerPin}, []*x509.Certificate{leaf, issuer}))
	require.Error(t, matchPinnedPeer([][sha256.Size]byte{issuerPin}, []*x509.Certificate{leaf}))
	require.Error(t, matchPinnedPeer(nil, []*x509.Certificate{leaf}))
}
