package node

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// GenerateSelfSigned produces a fresh ECDSA P-256 self-signed certificate and
// PKCS#12-encodes it with an empty password, mirroring the original's
// no-"tls"-flag fallback (a freshly minted rtc::RTCCertificate rather than
// a file loaded from disk).
func GenerateSelfSigned() (bundle []byte, password string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("node: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, "", fmt.Errorf("node: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "wisp-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("node: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, "", fmt.Errorf("node: parse certificate: %w", err)
	}

	bundle, err = pkcs12.Encode(rand.Reader, key, cert, nil, "")
	if err != nil {
		return nil, "", fmt.Errorf("node: encode pkcs12: %w", err)
	}
	return bundle, "", nil
}

// Fingerprint returns the RFC4572-style "sha-256 AA:BB:..." fingerprint of
// the leaf certificate in bundle — the line the original prints to stderr at
// boot so an operator can cross-check the SDP a client receives.
func Fingerprint(bundle []byte, password string) (string, error) {
	_, leaf, _, err := pkcs12.DecodeChain(bundle, password)
	if err != nil {
		return "", fmt.Errorf("node: decode pkcs12: %w", err)
	}

	sum := sha256.Sum256(leaf.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "sha-256 " + strings.Join(parts, ":"), nil
}
