// Package envelope implements the compact signed structure used to
// authenticate device registration and challenge responses:
// base64url(header).base64url(payload).base64url(signature), where the header
// carries the signing algorithm and the sender's public key as raw
// (modulus, exponent) values. The server verifies the structure byte-for-byte,
// so the layout must not change.
package envelope

import (
	"crypto/rsa"
	"encoding/base64"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
)

const (
	// HeaderModulus is the header field carrying the base64url RSA modulus.
	HeaderModulus = "mod"
	// HeaderExponent is the header field carrying the base64url RSA public exponent.
	HeaderExponent = "exp"
)

// Algorithm is the fixed signature scheme of the envelope (SHA-256 with RSA).
var Algorithm = jwa.RS256

// Sign wraps payload in a signed envelope using the device key pair.
func Sign(key *rsa.PrivateKey, payload []byte) (string, error) {
	if key == nil {
		return "", pkgErrors.NewErrorWithMessage("key pair is not set", pkgErrors.ErrInvalidArgument)
	}
	if len(payload) == 0 {
		return "", pkgErrors.NewErrorWithMessage("payload is not set", pkgErrors.ErrInvalidArgument)
	}
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(HeaderModulus, base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())); err != nil {
		return "", err
	}
	exponent := exponentBytes(key.PublicKey.E)
	if err := hdrs.Set(HeaderExponent, base64.RawURLEncoding.EncodeToString(exponent)); err != nil {
		return "", err
	}
	signed, err := jws.Sign(payload, jws.WithKey(Algorithm, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", pkgErrors.NewErrorWithMessage("cannot sign payload", pkgErrors.ErrCredential, err)
	}
	return string(signed), nil
}

// Payload returns the decoded payload segment of a compact token without
// verifying its signature. Used to read the ID token body issued by the
// server; trust in the token comes from the TLS channel it arrived over.
func Payload(token string) ([]byte, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot parse compact token", pkgErrors.ErrProtocol, err)
	}
	return msg.Payload(), nil
}

func exponentBytes(e int) []byte {
	buf := []byte{
		byte(e >> 24), byte(e >> 16), byte(e >> 8), byte(e),
	}
	for len(buf) > 1 && buf[0] == 0 {
		buf = buf[1:]
	}
	return buf
}
