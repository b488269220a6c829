package x509

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
)

// DefaultClockSkew is the allowance applied when checking a certificate's
// validity window against the local clock.
const DefaultClockSkew = time.Minute

// CheckValidity verifies that now falls inside the certificate's validity
// window, allowing the clock to lag or lead the issuer by skew.
func CheckValidity(cert *x509.Certificate, now time.Time, skew time.Duration) error {
	if cert == nil {
		return pkgErrors.NewErrorWithMessage("certificate is not set", pkgErrors.ErrInvalidArgument)
	}
	if now.Add(skew).Before(cert.NotBefore) {
		return pkgErrors.NewErrorWithMessage(fmt.Sprintf("certificate is not valid until %v", cert.NotBefore), pkgErrors.ErrCredential)
	}
	if now.Add(-skew).After(cert.NotAfter) {
		return pkgErrors.NewErrorWithMessage(fmt.Sprintf("certificate expired at %v", cert.NotAfter), pkgErrors.ErrCredential)
	}
	return nil
}

// CheckPublicKey verifies that the certificate binds the given public key.
func CheckPublicKey(cert *x509.Certificate, pub crypto.PublicKey) error {
	if cert == nil || pub == nil {
		return pkgErrors.NewErrorWithMessage("certificate and public key must be set", pkgErrors.ErrInvalidArgument)
	}
	certPub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !certPub.Equal(pub) {
		return pkgErrors.NewErrorWithMessage("certificate public key does not match device key pair", pkgErrors.ErrCredential)
	}
	return nil
}

// ParseChainPEM parses a PEM-encoded certificate chain, leaf first.
func ParseChainPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(data) > 0 {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, pkgErrors.NewErrorWithMessage("cannot parse certificate", pkgErrors.ErrCredential, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, pkgErrors.NewErrorWithMessage("no certificate found", pkgErrors.ErrCredential)
	}
	return certs, nil
}

// EncodeChainPEM encodes a certificate chain as concatenated PEM blocks.
func EncodeChainPEM(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}
