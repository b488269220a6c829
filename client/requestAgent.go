package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/mobile-auth/challenge"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	"github.com/plgd-dev/mobile-auth/pkg/log"
	pkgHTTP "github.com/plgd-dev/mobile-auth/pkg/net/http/client"
	"github.com/plgd-dev/mobile-auth/uri"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"
)

type agentOptions struct {
	Method  string
	Header  http.Header
	Query   url.Values
	Form    url.Values
	Timeout time.Duration
}

type resultFunc func(resp *pkgHTTP.Response, err error)

// requestAgent builds and sends one authorization-protocol request at a time.
// It caches the last request so that resolved challenges can replay it, which
// is why an agent instance must not be shared across orchestration sessions.
type requestAgent struct {
	httpClient *pkgHTTP.Client
	config     *Config
	sessionID  string
	handler    func(realm string) (*challenge.Handler, bool)

	mutex    sync.Mutex
	lastPath string
	lastOpts agentOptions
	onResult resultFunc
	answers  map[string]json.RawMessage // nil value marks a pending answer

	authRequired atomic.Int32
}

func newRequestAgent(httpClient *pkgHTTP.Client, config *Config, sessionID string, handler func(realm string) (*challenge.Handler, bool)) *requestAgent {
	return &requestAgent{
		httpClient: httpClient,
		config:     config,
		sessionID:  sessionID,
		handler:    handler,
		answers:    make(map[string]json.RawMessage),
	}
}

// send dispatches the request asynchronously; cb fires once with the final
// outcome, after any challenge rounds have been resolved.
func (a *requestAgent) send(ctx context.Context, path string, opts agentOptions, cb resultFunc) {
	a.mutex.Lock()
	a.lastPath = path
	a.lastOpts = opts
	a.onResult = cb
	a.mutex.Unlock()
	go a.perform(ctx, path, opts)
}

func (a *requestAgent) sendAwait(ctx context.Context, path string, opts agentOptions) (*pkgHTTP.Response, error) {
	type outcome struct {
		resp *pkgHTTP.Response
		err  error
	}
	ch := make(chan outcome, 1)
	a.send(ctx, path, opts, func(resp *pkgHTTP.Response, err error) {
		select {
		case ch <- outcome{resp: resp, err: err}:
		default:
		}
	})
	select {
	case o := <-ch:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *requestAgent) requestURL(path string, query url.Values) string {
	u := strings.TrimSuffix(a.config.Endpoint, "/") + uri.AuthorizationAPI + "/" + a.config.TenantID + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// answersHeader concatenates the filled per-realm answers into one JSON
// object carried as a bearer-style authorization header.
func (a *requestAgent) answersHeader() (string, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	combined := "{}"
	filled := false
	for realm, answer := range a.answers {
		if answer == nil {
			continue
		}
		var err error
		combined, err = sjson.SetRaw(combined, realm, string(answer))
		if err != nil {
			log.Errorf("cannot add answer for realm %v: %v", realm, err)
			continue
		}
		filled = true
	}
	return "Bearer " + combined, filled
}

func (a *requestAgent) perform(ctx context.Context, path string, opts agentOptions) {
	req := pkgHTTP.Request{
		Method:  opts.Method,
		URL:     a.requestURL(path, opts.Query),
		Header:  make(http.Header),
		Timeout: opts.Timeout,
	}
	for k, vals := range opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(uri.SessionHeaderKey, a.sessionID)
	req.Header.Set(uri.RewriteDomainHeaderKey, a.config.rewriteDomain())
	if hdr, ok := a.answersHeader(); ok {
		req.Header.Set("Authorization", hdr)
	}
	if len(opts.Form) > 0 {
		req.Body = []byte(opts.Form.Encode())
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := a.httpClient.Do(ctx, req)
	if err != nil {
		a.fail(nil, err)
		return
	}
	a.process(resp)
}

func (a *requestAgent) fail(resp *pkgHTTP.Response, err error) {
	a.mutex.Lock()
	cb := a.onResult
	a.mutex.Unlock()
	if cb == nil {
		log.Errorf("request failed with no caller attached: %v", err)
		return
	}
	cb(resp, err)
}

func (a *requestAgent) succeed(resp *pkgHTTP.Response) {
	a.authRequired.Store(0)
	a.mutex.Lock()
	cb := a.onResult
	a.mutex.Unlock()
	if cb == nil {
		log.Errorf("request succeeded with no caller attached")
		return
	}
	cb(resp, nil)
}

// unwrapSecureJSON strips the fixed textual envelope some responses carry.
func unwrapSecureJSON(body []byte) []byte {
	if bytes.HasPrefix(body, []byte(uri.SecureJSONPrefix)) && bytes.HasSuffix(body, []byte(uri.SecureJSONSuffix)) {
		return body[len(uri.SecureJSONPrefix) : len(body)-len(uri.SecureJSONSuffix)]
	}
	return body
}

func (a *requestAgent) process(resp *pkgHTTP.Response) {
	if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode < http.StatusBadRequest {
		a.processRedirect(resp)
		return
	}
	body := unwrapSecureJSON(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if resp.Header.Get("WWW-Authenticate") != uri.CompositeChallenge {
			a.fail(resp, pkgErrors.NewErrorWithMessage("authentication rejected", pkgErrors.ErrServer))
			return
		}
	}
	if challenges := gjson.GetBytes(body, uri.ChallengesKey); challenges.Exists() && challenges.IsObject() {
		a.processChallenges(resp, challenges)
		return
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		resp.Body = body
		a.succeed(resp)
		return
	}
	a.fail(resp, pkgErrors.NewErrorWithMessage("unexpected response status", pkgErrors.ErrServer))
}

func (a *requestAgent) processRedirect(resp *pkgHTTP.Response) {
	location := resp.Header.Get("Location")
	if location == "" {
		a.fail(resp, pkgErrors.NewErrorWithMessage("redirect without location", pkgErrors.ErrProtocol))
		return
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		a.fail(resp, pkgErrors.NewErrorWithMessage("invalid redirect location", pkgErrors.ErrProtocol, err))
		return
	}
	result := locationURL.Query().Get(uri.ResultQueryKey)
	if result == "" {
		a.succeed(resp)
		return
	}
	if failures := gjson.Get(result, uri.AuthenticationFailureKey); failures.Exists() {
		a.routeToHandlers(failures, func(h *challenge.Handler, payload json.RawMessage) {
			h.HandleFailure(payload)
		})
		a.fail(resp, pkgErrors.NewErrorWithMessage("authentication failed", pkgErrors.ErrChallenge))
		return
	}
	if successes := gjson.Get(result, uri.AuthenticationSuccessKey); successes.Exists() {
		a.routeToHandlers(successes, func(h *challenge.Handler, payload json.RawMessage) {
			h.HandleSuccess(payload)
		})
	}
	a.succeed(resp)
}

func (a *requestAgent) routeToHandlers(blocks gjson.Result, route func(h *challenge.Handler, payload json.RawMessage)) {
	blocks.ForEach(func(key, value gjson.Result) bool {
		realm := key.String()
		h, ok := a.handler(realm)
		if !ok {
			log.Warnf("no handler registered for realm %v", realm)
			return true
		}
		route(h, json.RawMessage(value.Raw))
		return true
	})
}

func (a *requestAgent) processChallenges(resp *pkgHTTP.Response, challenges gjson.Result) {
	if int(a.authRequired.Inc()) > a.config.maxAuthorizationRequired() {
		a.fail(resp, pkgErrors.NewErrorWithMessage("too many consecutive authorization-required responses", pkgErrors.ErrProtocol))
		return
	}
	type pending struct {
		handler *challenge.Handler
		payload json.RawMessage
	}
	var routes []pending
	var missing string
	a.mutex.Lock()
	challenges.ForEach(func(key, value gjson.Result) bool {
		realm := key.String()
		h, ok := a.handler(realm)
		if !ok {
			missing = realm
			return false
		}
		a.answers[realm] = nil
		routes = append(routes, pending{handler: h, payload: json.RawMessage(value.Raw)})
		return true
	})
	a.mutex.Unlock()
	if missing != "" {
		a.fail(resp, pkgErrors.NewErrorWithMessage("no handler registered for realm "+missing, pkgErrors.ErrProtocol))
		return
	}
	for _, r := range routes {
		r.handler.HandleChallenge(a, r.payload)
	}
}

// isAnswersFilledLocked reports whether no realm is still pending an answer.
func (a *requestAgent) isAnswersFilledLocked() bool {
	for _, answer := range a.answers {
		if answer == nil {
			return false
		}
	}
	return true
}

// SubmitAnswer fills in the realm's pending answer and resends the cached
// request once every outstanding realm is answered.
func (a *requestAgent) SubmitAnswer(realm string, answer json.RawMessage) {
	a.mutex.Lock()
	if _, ok := a.answers[realm]; !ok {
		a.mutex.Unlock()
		log.Warnf("answer for realm %v was not expected", realm)
		return
	}
	a.answers[realm] = answer
	filled := a.isAnswersFilledLocked() && a.lastPath != ""
	a.mutex.Unlock()
	if filled {
		a.resendRequest()
	}
}

// RemoveExpectedAnswer drops the realm from the pending set; the resend check
// proceeds as if the realm had been answered.
func (a *requestAgent) RemoveExpectedAnswer(realm string) {
	a.mutex.Lock()
	_, ok := a.answers[realm]
	delete(a.answers, realm)
	filled := ok && a.isAnswersFilledLocked() && a.lastPath != ""
	a.mutex.Unlock()
	if filled {
		a.resendRequest()
	}
}

// resendRequest replays the last request with the accumulated answers.
func (a *requestAgent) resendRequest() {
	a.mutex.Lock()
	path := a.lastPath
	opts := a.lastOpts
	a.mutex.Unlock()
	log.Debugf("resending %v with filled challenge answers", path)
	go a.perform(context.Background(), path, opts)
}
