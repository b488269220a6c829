package envelope_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/plgd-dev/mobile-auth/pkg/security/envelope"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSignRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	payload := []byte(`{"testName":"testValue"}`)

	signed, err := envelope.Sign(key, payload)
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)

	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	require.Equal(t, "RS256", gjson.GetBytes(header, "alg").String())
	mod, err := base64.RawURLEncoding.DecodeString(gjson.GetBytes(header, envelope.HeaderModulus).String())
	require.NoError(t, err)
	require.Equal(t, key.PublicKey.N.Bytes(), mod)
	exp, err := base64.RawURLEncoding.DecodeString(gjson.GetBytes(header, envelope.HeaderExponent).String())
	require.NoError(t, err)
	require.NotEmpty(t, exp)

	decodedPayload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	require.Equal(t, payload, decodedPayload)

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], signature))
}

func TestSignInvalidArguments(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     *rsa.PrivateKey
		payload []byte
	}{
		{
			name:    "missing key",
			payload: []byte(`{}`),
		},
		{
			name: "missing payload",
			key:  key,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := envelope.Sign(tt.key, tt.payload)
			require.Error(t, err)
		})
	}
}

func TestPayload(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	payload := []byte(`{"sub":"user-1"}`)
	signed, err := envelope.Sign(key, payload)
	require.NoError(t, err)

	got, err := envelope.Payload(signed)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = envelope.Payload("not-a-compact-token")
	require.Error(t, err)
}
