// Package challenge arbitrates interactive authentication challenges for one
// realm. A realm's login flow can only run once at a time, but independent
// requests may trigger the same realm concurrently; the first requester
// becomes active and the rest wait for its outcome.
package challenge

import (
	"encoding/json"
	"sync"

	"github.com/plgd-dev/mobile-auth/pkg/log"
)

// Request is the agent-side view of a request waiting on a challenge answer.
type Request interface {
	// SubmitAnswer fills in this realm's pending answer and resends the
	// request once every outstanding realm is answered.
	SubmitAnswer(realm string, answer json.RawMessage)
	// RemoveExpectedAnswer drops this realm from the pending set, allowing
	// the request's own resend check to proceed without it.
	RemoveExpectedAnswer(realm string)
}

// Listener is the application-provided consumer of challenge events,
// typically UI glue presenting a login prompt.
type Listener interface {
	OnChallengeReceived(realm string, payload json.RawMessage)
	OnSuccess(realm string, payload json.RawMessage)
	OnFailure(realm string, payload json.RawMessage)
}

// Handler serializes challenge handling for a single realm. All state
// transitions happen in one critical section per instance; handlers of
// different realms never block each other.
type Handler struct {
	realm    string
	listener Listener

	mutex   sync.Mutex
	active  Request
	waiting []Request
}

func NewHandler(realm string, listener Listener) *Handler {
	return &Handler{
		realm:    realm,
		listener: listener,
	}
}

func (h *Handler) Realm() string {
	return h.realm
}

// HandleChallenge makes req the active requester and notifies the listener,
// or queues req when another requester already holds the realm.
func (h *Handler) HandleChallenge(req Request, payload json.RawMessage) {
	h.mutex.Lock()
	if h.active != nil && h.active != req {
		h.waiting = append(h.waiting, req)
		h.mutex.Unlock()
		log.Debugf("realm %v busy, queued requester (%v waiting)", h.realm, len(h.waiting))
		return
	}
	h.active = req
	h.mutex.Unlock()
	h.listener.OnChallengeReceived(h.realm, payload)
}

// SubmitAnswer forwards the answer to the active request and releases the
// active slot. Waiting requesters stay queued until the realm reports its
// outcome.
func (h *Handler) SubmitAnswer(answer json.RawMessage) {
	h.mutex.Lock()
	active := h.active
	h.active = nil
	h.mutex.Unlock()
	if active == nil {
		log.Warnf("realm %v: answer submitted with no active challenge", h.realm)
		return
	}
	active.SubmitAnswer(h.realm, answer)
}

// SubmitAnswerFailure tells the active request to stop expecting an answer
// for this realm and releases the active slot.
func (h *Handler) SubmitAnswerFailure() {
	h.mutex.Lock()
	active := h.active
	h.active = nil
	h.mutex.Unlock()
	if active == nil {
		log.Warnf("realm %v: answer failure submitted with no active challenge", h.realm)
		return
	}
	active.RemoveExpectedAnswer(h.realm)
}

// HandleSuccess notifies the listener of the realm's success and releases
// every queued requester, dropping their expectation for this realm so their
// own resend checks can proceed.
func (h *Handler) HandleSuccess(payload json.RawMessage) {
	h.release(func() {
		h.listener.OnSuccess(h.realm, payload)
	})
}

// HandleFailure notifies the listener of the realm's failure and releases
// every queued requester.
func (h *Handler) HandleFailure(payload json.RawMessage) {
	h.release(func() {
		h.listener.OnFailure(h.realm, payload)
	})
}

func (h *Handler) release(notify func()) {
	h.mutex.Lock()
	waiting := h.waiting
	h.waiting = nil
	h.active = nil
	h.mutex.Unlock()
	notify()
	for _, req := range waiting {
		req.RemoveExpectedAnswer(h.realm)
	}
}
