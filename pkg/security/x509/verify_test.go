package x509_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	pkgX509 "github.com/plgd-dev/mobile-auth/pkg/security/x509"
	"github.com/stretchr/testify/require"
)

func makeCertificate(t *testing.T, key *rsa.PrivateKey, notBefore, notAfter time.Time) *x509.Certificate {
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "client-test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCheckValidity(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()

	tests := []struct {
		name      string
		notBefore time.Time
		notAfter  time.Time
		wantErr   bool
	}{
		{
			name:      "valid",
			notBefore: now.Add(-time.Hour),
			notAfter:  now.Add(time.Hour),
		},
		{
			name:      "notBefore within skew",
			notBefore: now.Add(time.Second * 30),
			notAfter:  now.Add(time.Hour),
		},
		{
			name:      "notBefore beyond skew",
			notBefore: now.Add(time.Second * 90),
			notAfter:  now.Add(time.Hour),
			wantErr:   true,
		},
		{
			name:      "expired within skew",
			notBefore: now.Add(-time.Hour),
			notAfter:  now.Add(-time.Second * 30),
		},
		{
			name:      "expired beyond skew",
			notBefore: now.Add(-time.Hour),
			notAfter:  now.Add(-time.Second * 90),
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := makeCertificate(t, key, tt.notBefore, tt.notAfter)
			err := pkgX509.CheckValidity(cert, now, pkgX509.DefaultClockSkew)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, pkgErrors.ErrCredential))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCheckPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := makeCertificate(t, key, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, pkgX509.CheckPublicKey(cert, key.Public()))

	err = pkgX509.CheckPublicKey(cert, otherKey.Public())
	require.Error(t, err)
	require.True(t, errors.Is(err, pkgErrors.ErrCredential))
}

func TestParseChainPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := makeCertificate(t, key, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	chain, err := pkgX509.ParseChainPEM(pkgX509.EncodeChainPEM([]*x509.Certificate{cert, cert}))
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, cert.Raw, chain[0].Raw)

	_, err = pkgX509.ParseChainPEM([]byte("no pem here"))
	require.Error(t, err)
}
