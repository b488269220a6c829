// Package test provides an in-process authorization server driving the full
// registration, challenge and token exchange against a real HTTP listener.
package test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/plgd-dev/mobile-auth/uri"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
)

const (
	// TenantID is the tenant every test request is scoped to.
	TenantID = "test-tenant"
	// GrantCode is the code issued by the authorization endpoint.
	GrantCode = "test-grant-code"
	// AccessToken is the access token issued by the token endpoint.
	AccessToken = "test-access-token"
	// UserID is the subject of issued ID tokens.
	UserID = "test-user"
)

// AuthorizationServer is a fake identity service. Configure Challenges before
// the first authorization request to force a composite-challenge round.
type AuthorizationServer struct {
	t   *testing.T
	srv *httptest.Server

	caKey  *rsa.PrivateKey
	caCert *x509.Certificate

	// Challenges maps realm name to the challenge payload served before a
	// grant code is issued.
	Challenges map[string]json.RawMessage
	// SuccessRealms are reported in the redirect's wl_result success block.
	SuccessRealms []string
	// FailRealm, when set, makes authorization report a failure block for it.
	FailRealm string
	// CertificateNotBefore overrides the issued certificate's NotBefore.
	CertificateNotBefore time.Time

	CSRCount           atomic.Int32
	AuthorizationCount atomic.Int32
	TokenCount         atomic.Int32

	mutex           sync.Mutex
	lastClientID    string
	lastRegistered  *rsa.PublicKey
	lastCSRPayload  []byte
	receivedAnswers map[string]json.RawMessage
}

// NewAuthorizationServer starts the fake service and registers its shutdown
// with t.Cleanup.
func NewAuthorizationServer(t *testing.T) *AuthorizationServer {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	caTemplate := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "test authorization CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour * 24),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, &caTemplate, &caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	s := &AuthorizationServer{
		t:               t,
		caKey:           caKey,
		caCert:          caCert,
		receivedAnswers: make(map[string]json.RawMessage),
	}
	mux := http.NewServeMux()
	prefix := uri.AuthorizationAPI + "/" + TenantID
	mux.HandleFunc(prefix+uri.ClientsInstance, s.clientsInstance)
	mux.HandleFunc(prefix+uri.Authorization, s.authorization)
	mux.HandleFunc(prefix+uri.Token, s.token)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the authorization-server root.
func (s *AuthorizationServer) URL() string {
	return s.srv.URL
}

// ClientID returns the identifier embedded in the last issued certificate.
func (s *AuthorizationServer) ClientID() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastClientID
}

// LastCSRPayload returns the payload of the last verified registration envelope.
func (s *AuthorizationServer) LastCSRPayload() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastCSRPayload
}

// ReceivedAnswers returns the challenge answers presented with the last
// authorized request.
func (s *AuthorizationServer) ReceivedAnswers() map[string]json.RawMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make(map[string]json.RawMessage, len(s.receivedAnswers))
	for k, v := range s.receivedAnswers {
		out[k] = v
	}
	return out
}

// verifyEnvelope checks the compact signed structure byte-for-byte: three
// base64url segments, an RS256 header carrying the sender's public key as
// (modulus, exponent), and a valid signature under that key.
func (s *AuthorizationServer) verifyEnvelope(envelope string) (*rsa.PublicKey, []byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("expected 3 segments, got %v", len(parts))
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, err
	}
	if alg := gjson.GetBytes(headerJSON, "alg").String(); alg != "RS256" {
		return nil, nil, fmt.Errorf("unexpected alg %v", alg)
	}
	mod, err := base64.RawURLEncoding.DecodeString(gjson.GetBytes(headerJSON, "mod").String())
	if err != nil {
		return nil, nil, err
	}
	exp, err := base64.RawURLEncoding.DecodeString(gjson.GetBytes(headerJSON, "exp").String())
	if err != nil {
		return nil, nil, err
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(mod),
		E: int(new(big.Int).SetBytes(exp).Int64()),
	}
	payload, err := jws.Verify([]byte(envelope), jws.WithKey(jwa.RS256, pub))
	if err != nil {
		return nil, nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return pub, payload, nil
}

func (s *AuthorizationServer) clientsInstance(w http.ResponseWriter, r *http.Request) {
	s.CSRCount.Inc()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	csr := r.PostFormValue(uri.CSRFormKey)
	pub, payload, err := s.verifyEnvelope(csr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientID := "client-" + uuid.NewString()
	notBefore := time.Now().Add(-time.Minute)
	if !s.CertificateNotBefore.IsZero() {
		notBefore = s.CertificateNotBefore
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: clientID},
		NotBefore:    notBefore,
		NotAfter:     time.Now().Add(time.Hour * 24),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, pub, s.caKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	chain := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})) +
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw}))

	s.mutex.Lock()
	s.lastClientID = clientID
	s.lastRegistered = pub
	s.lastCSRPayload = payload
	s.mutex.Unlock()

	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(map[string]string{uri.CertificateKey: chain})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(body); err != nil {
		s.t.Logf("cannot write registration response: %v", err)
	}
}

// pendingChallenges returns the challenges not answered by the request's
// authorization header.
func (s *AuthorizationServer) pendingChallenges(r *http.Request) map[string]json.RawMessage {
	pending := make(map[string]json.RawMessage)
	answers := "{}"
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		answers = strings.TrimPrefix(auth, "Bearer ")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for realm, payload := range s.Challenges {
		answer := gjson.Get(answers, realm)
		if !answer.Exists() {
			pending[realm] = payload
			continue
		}
		s.receivedAnswers[realm] = json.RawMessage(answer.Raw)
	}
	return pending
}

func (s *AuthorizationServer) authorization(w http.ResponseWriter, r *http.Request) {
	s.AuthorizationCount.Inc()
	q := r.URL.Query()
	if q.Get(uri.ResponseTypeQueryKey) != uri.ResponseTypeCode || q.Get(uri.ClientIDQueryKey) == "" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}
	if s.FailRealm != "" {
		result := fmt.Sprintf(`{%q:{%q:{"reason":"denied"}}}`, uri.AuthenticationFailureKey, s.FailRealm)
		w.Header().Set("Location", uri.RedirectURI+"?"+url.Values{uri.ResultQueryKey: []string{result}}.Encode())
		w.WriteHeader(http.StatusFound)
		return
	}
	if pending := s.pendingChallenges(r); len(pending) > 0 {
		challenges, err := json.Marshal(map[string]interface{}{uri.ChallengesKey: pending})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("WWW-Authenticate", uri.CompositeChallenge)
		w.WriteHeader(http.StatusUnauthorized)
		if _, err := fmt.Fprintf(w, "%s%s%s", uri.SecureJSONPrefix, challenges, uri.SecureJSONSuffix); err != nil {
			s.t.Logf("cannot write challenge response: %v", err)
		}
		return
	}
	successes := make(map[string]interface{})
	for _, realm := range s.SuccessRealms {
		successes[realm] = map[string]string{"user": UserID}
	}
	result := map[string]interface{}{uri.AuthenticationSuccessKey: successes}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	location := uri.RedirectURI + "?" + url.Values{
		uri.CodeQueryKey:   []string{GrantCode},
		uri.ResultQueryKey: []string{string(resultJSON)},
	}.Encode()
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// IDTokenPayload is the claims document embedded in issued ID tokens.
func (s *AuthorizationServer) IDTokenPayload() []byte {
	return []byte(fmt.Sprintf(`{"sub":%q,"iss":%q}`, UserID, s.srv.URL))
}

func (s *AuthorizationServer) token(w http.ResponseWriter, r *http.Request) {
	s.TokenCount.Inc()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	proof := r.Header.Get(uri.AuthenticateHeaderKey)
	_, payload, err := s.verifyEnvelope(proof)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	code := r.PostFormValue(uri.CodeQueryKey)
	if code != GrantCode || gjson.GetBytes(payload, uri.CodeQueryKey).String() != code {
		http.Error(w, "invalid grant code", http.StatusBadRequest)
		return
	}
	if r.PostFormValue(uri.GrantTypeQueryKey) != uri.GrantTypeCode {
		http.Error(w, "invalid grant type", http.StatusBadRequest)
		return
	}
	idToken, err := jws.Sign(s.IDTokenPayload(), jws.WithKey(jwa.RS256, s.caKey))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(map[string]string{
		uri.AccessTokenKey: AccessToken,
		uri.IDTokenKey:     string(idToken),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := fmt.Fprintf(w, "%s%s%s", uri.SecureJSONPrefix, body, uri.SecureJSONSuffix); err != nil {
		s.t.Logf("cannot write token response: %v", err)
	}
}
