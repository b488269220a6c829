// Package client implements the authorization core of the mobile client: it
// registers the device with the identity service, drives the authorization
// code and token exchange, resolves interactive challenges through per-realm
// handlers and persists the resulting credentials.
package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/plgd-dev/mobile-auth/challenge"
	pkgJson "github.com/plgd-dev/mobile-auth/pkg/codec/json"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	"github.com/plgd-dev/mobile-auth/pkg/log"
	pkgHTTP "github.com/plgd-dev/mobile-auth/pkg/net/http/client"
	"github.com/plgd-dev/mobile-auth/pkg/security/envelope"
	pkgX509 "github.com/plgd-dev/mobile-auth/pkg/security/x509"
	"github.com/plgd-dev/mobile-auth/pkg/sync/task/future"
	"github.com/plgd-dev/mobile-auth/preferences"
	"github.com/plgd-dev/mobile-auth/store"
	"github.com/plgd-dev/mobile-auth/uri"
	"github.com/tidwall/gjson"
)

// deviceKeySize is the RSA modulus size of freshly generated device identities.
const deviceKeySize = 2048

type sessionState string

const (
	stateRegistering     sessionState = "registering"
	stateAuthorizing     sessionState = "authorizing"
	stateExchangingToken sessionState = "exchangingToken"
	stateAuthorized      sessionState = "authorized"
	stateFailed          sessionState = "failed"
)

// AuthorizationResult is delivered to every caller of an authorization session.
type AuthorizationResult struct {
	ClientID     string
	AccessToken  string
	IDToken      string
	UserIdentity json.RawMessage
}

// CallbackFunc receives the outcome of RequestAuthorization.
type CallbackFunc func(result *AuthorizationResult, err error)

type authorizationSession struct {
	id    string
	agent *requestAgent
	fut   *future.Future
	set   future.SetFunc
}

// Client owns the credential store, the preferences and the registered realm
// handlers. At most one authorization session runs per instance; callers
// arriving while one is in flight share its outcome.
type Client struct {
	config      Config
	keyStore    *store.KeyStore
	preferences *preferences.Preferences
	httpClient  *pkgHTTP.Client

	mutex    sync.Mutex
	handlers map[string]*challenge.Handler
	session  *authorizationSession
}

// New creates the authorization client. The embedding application owns its
// lifetime and must Close it when done.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, pkgErrors.NewErrorWithMessage("invalid config", pkgErrors.ErrInvalidArgument, err)
	}
	keyStore, err := store.New(config.Store)
	if err != nil {
		return nil, err
	}
	prefs, err := preferences.New(config.Preferences)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:      config,
		keyStore:    keyStore,
		preferences: prefs,
		httpClient:  pkgHTTP.New(config.HTTP),
		handlers:    make(map[string]*challenge.Handler),
	}, nil
}

func (c *Client) Close() {
	c.httpClient.Close()
}

// RegisterChallengeHandler creates the handler arbitrating challenges for the
// realm and routes the realm's events to listener. Re-registering a realm
// replaces its handler.
func (c *Client) RegisterChallengeHandler(realm string, listener challenge.Listener) *challenge.Handler {
	h := challenge.NewHandler(realm, listener)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handlers[realm] = h
	return h
}

func (c *Client) UnregisterChallengeHandler(realm string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.handlers, realm)
}

// ChallengeHandler returns the handler registered for the realm.
func (c *Client) ChallengeHandler(realm string) (*challenge.Handler, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	h, ok := c.handlers[realm]
	return h, ok
}

// SetPersistencePolicy changes how tokens are persisted and immediately
// reconciles durable storage under the new policy.
func (c *Client) SetPersistencePolicy(policy preferences.PersistencePolicy) error {
	return c.preferences.SetPolicy(policy)
}

// Tokens returns the current token pair.
func (c *Client) Tokens() (accessToken, idToken string, ok bool) {
	return c.preferences.Tokens()
}

// UserIdentity returns the identity derived from the last ID token.
func (c *Client) UserIdentity() (json.RawMessage, bool) {
	identity, ok := c.preferences.UserIdentity()
	if !ok {
		return nil, false
	}
	return json.RawMessage(identity), true
}

// IsRegistered reports whether the device holds a client identifier.
func (c *Client) IsRegistered() bool {
	_, ok := c.preferences.ClientID()
	return ok
}

// Logout drops the token pair and derived user identity from runtime and
// durable storage; the device registration is kept.
func (c *Client) Logout() error {
	return c.preferences.ClearTokens()
}

// ClearRegistration wipes the device identity, certificate and all
// preferences. The next authorization starts from an unregistered state.
func (c *Client) ClearRegistration() error {
	var errs *multierror.Error
	if err := c.keyStore.Clear(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.preferences.Clear(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// RequestAuthorization asks for a valid token pair, registering the device
// first when needed. The call returns immediately; cb fires exactly once with
// the outcome of the in-flight session. Concurrent callers are queued onto
// the same session and all receive its result. ctx bounds only this caller's
// wait; the session itself runs to completion regardless.
func (c *Client) RequestAuthorization(ctx context.Context, cb CallbackFunc) {
	session := c.obtainSession()
	go func() {
		v, err := session.fut.Get(ctx)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(v.(*AuthorizationResult), nil)
	}()
}

// Authorize is the synchronous form of RequestAuthorization.
func (c *Client) Authorize(ctx context.Context) (*AuthorizationResult, error) {
	session := c.obtainSession()
	v, err := session.fut.Get(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*AuthorizationResult), nil
}

// obtainSession returns the in-flight session or atomically starts a new one.
func (c *Client) obtainSession() *authorizationSession {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.session != nil {
		return c.session
	}
	fut, set := future.New()
	session := &authorizationSession{
		id:  uuid.NewString(),
		fut: fut,
		set: set,
	}
	session.agent = newRequestAgent(c.httpClient, &c.config, session.id, c.ChallengeHandler)
	c.session = session
	go c.run(session)
	return session
}

func (c *Client) run(session *authorizationSession) {
	result, err := c.runSession(session)
	c.mutex.Lock()
	c.session = nil
	c.mutex.Unlock()
	if err != nil {
		log.Errorf("authorization session %v %v: %v", session.id, stateFailed, err)
		session.set(nil, err)
		return
	}
	log.Debugf("authorization session %v %v", session.id, stateAuthorized)
	session.set(result, nil)
}

func (c *Client) runSession(session *authorizationSession) (*AuthorizationResult, error) {
	ctx := context.Background()
	clientID, registered := c.preferences.ClientID()
	if !registered {
		log.Debugf("authorization session %v %v", session.id, stateRegistering)
		var err error
		clientID, err = c.register(ctx, session)
		if err != nil {
			return nil, err
		}
	}
	log.Debugf("authorization session %v %v", session.id, stateAuthorizing)
	code, err := c.authorize(ctx, session, clientID)
	if err != nil {
		return nil, err
	}
	log.Debugf("authorization session %v %v", session.id, stateExchangingToken)
	return c.exchangeToken(ctx, session, clientID, code)
}

type registrationPayload struct {
	DeviceID           string `json:"deviceId"`
	DeviceOS           string `json:"deviceOs"`
	DeviceModel        string `json:"deviceModel"`
	ApplicationID      string `json:"applicationId"`
	ApplicationVersion string `json:"applicationVersion"`
	Environment        string `json:"environment"`
}

// register generates a fresh device key pair, submits the signed registration
// payload and persists the issued certificate together with the key pair. The
// key pair is discarded when any step fails before the certificate is trusted.
func (c *Client) register(ctx context.Context, session *authorizationSession) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, deviceKeySize)
	if err != nil {
		return "", pkgErrors.NewErrorWithMessage("cannot generate device key pair", pkgErrors.ErrCredential, err)
	}
	device, err := c.loadDeviceIdentity()
	if err != nil {
		return "", err
	}
	app, err := c.loadAppIdentity()
	if err != nil {
		return "", err
	}
	payload, err := pkgJson.Encode(registrationPayload{
		DeviceID:           device.ID,
		DeviceOS:           device.OS,
		DeviceModel:        device.Model,
		ApplicationID:      app.ID,
		ApplicationVersion: app.Version,
		Environment:        c.config.Application.Environment,
	})
	if err != nil {
		return "", err
	}
	signed, err := envelope.Sign(key, payload)
	if err != nil {
		return "", err
	}
	resp, err := session.agent.sendAwait(ctx, uri.ClientsInstance, agentOptions{
		Method: http.MethodPost,
		Form:   url.Values{uri.CSRFormKey: []string{signed}},
	})
	if err != nil {
		return "", err
	}
	certPEM := gjson.GetBytes(resp.Body, uri.CertificateKey).String()
	if certPEM == "" {
		return "", pkgErrors.NewErrorWithMessage("registration response carries no certificate", pkgErrors.ErrProtocol)
	}
	chain, err := pkgX509.ParseChainPEM([]byte(certPEM))
	if err != nil {
		return "", err
	}
	now := time.Now()
	if err := pkgX509.CheckValidity(chain[0], now, c.config.clockSkew()); err != nil {
		return "", err
	}
	if err := pkgX509.CheckPublicKey(chain[0], key.Public()); err != nil {
		return "", err
	}
	if err := c.keyStore.Save(key, chain); err != nil {
		return "", err
	}
	clientID := chain[0].Subject.CommonName
	if clientID == "" {
		return "", pkgErrors.NewErrorWithMessage("certificate subject carries no client id", pkgErrors.ErrCredential)
	}
	if err := c.preferences.SetClientID(clientID); err != nil {
		return "", err
	}
	log.Infof("device registered with client id %v", clientID)
	return clientID, nil
}

type authorizationQuery struct {
	ResponseType string `url:"response_type"`
	ClientID     string `url:"client_id"`
	RedirectURI  string `url:"redirect_uri"`
	Scope        string `url:"scope"`
}

// authorize requests a grant code. Challenges raised by the server are routed
// to the realm handlers by the agent; the request is resent once they are
// answered, so no retry happens here.
func (c *Client) authorize(ctx context.Context, session *authorizationSession, clientID string) (string, error) {
	q, err := query.Values(authorizationQuery{
		ResponseType: uri.ResponseTypeCode,
		ClientID:     clientID,
		RedirectURI:  uri.RedirectURI,
		Scope:        c.config.scope(),
	})
	if err != nil {
		return "", err
	}
	resp, err := session.agent.sendAwait(ctx, uri.Authorization, agentOptions{
		Method: http.MethodGet,
		Query:  q,
	})
	if err != nil {
		return "", err
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", pkgErrors.NewErrorWithMessage("authorization response carries no redirect", pkgErrors.ErrProtocol)
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return "", pkgErrors.NewErrorWithMessage("invalid redirect location", pkgErrors.ErrProtocol, err)
	}
	code := locationURL.Query().Get(uri.CodeQueryKey)
	if code == "" {
		return "", pkgErrors.NewErrorWithMessage("redirect carries no grant code", pkgErrors.ErrProtocol)
	}
	return code, nil
}

// exchangeToken trades the grant code for the token pair, proving possession
// of the stored device key pair over the code.
func (c *Client) exchangeToken(ctx context.Context, session *authorizationSession, clientID, code string) (*AuthorizationResult, error) {
	key, err := c.keyStore.LoadKeyPair()
	if err != nil {
		return nil, err
	}
	payload, err := pkgJson.Encode(map[string]string{uri.CodeQueryKey: code})
	if err != nil {
		return nil, err
	}
	proof, err := envelope.Sign(key, payload)
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	header.Set(uri.AuthenticateHeaderKey, proof)
	resp, err := session.agent.sendAwait(ctx, uri.Token, agentOptions{
		Method: http.MethodPost,
		Header: header,
		Form: url.Values{
			uri.CodeQueryKey:        []string{code},
			uri.ClientIDQueryKey:    []string{clientID},
			uri.GrantTypeQueryKey:   []string{uri.GrantTypeCode},
			uri.RedirectURIQueryKey: []string{uri.RedirectURI},
		},
	})
	if err != nil {
		return nil, err
	}
	accessToken := gjson.GetBytes(resp.Body, uri.AccessTokenKey).String()
	idToken := gjson.GetBytes(resp.Body, uri.IDTokenKey).String()
	if accessToken == "" || idToken == "" {
		return nil, pkgErrors.NewErrorWithMessage("token response is incomplete", pkgErrors.ErrProtocol)
	}
	identity, err := userIdentityFromIDToken(idToken)
	if err != nil {
		return nil, err
	}
	if err := c.preferences.SetTokens(accessToken, idToken); err != nil {
		return nil, err
	}
	if err := c.preferences.SetUserIdentity(string(identity)); err != nil {
		return nil, err
	}
	return &AuthorizationResult{
		ClientID:     clientID,
		AccessToken:  accessToken,
		IDToken:      idToken,
		UserIdentity: identity,
	}, nil
}
