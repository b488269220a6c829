package challenge_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/plgd-dev/mobile-auth/challenge"
	"github.com/stretchr/testify/require"
)

type fakeRequest struct {
	mutex    sync.Mutex
	answers  map[string]json.RawMessage
	removed  []string
	resends  int
	expected map[string]bool
}

func newFakeRequest(realms ...string) *fakeRequest {
	expected := make(map[string]bool, len(realms))
	for _, r := range realms {
		expected[r] = true
	}
	return &fakeRequest{
		answers:  make(map[string]json.RawMessage),
		expected: expected,
	}
}

func (r *fakeRequest) SubmitAnswer(realm string, answer json.RawMessage) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.answers[realm] = answer
	delete(r.expected, realm)
	if len(r.expected) == 0 {
		r.resends++
	}
}

func (r *fakeRequest) RemoveExpectedAnswer(realm string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.removed = append(r.removed, realm)
	delete(r.expected, realm)
	if len(r.expected) == 0 {
		r.resends++
	}
}

type recordingListener struct {
	mutex      sync.Mutex
	challenges []json.RawMessage
	successes  []json.RawMessage
	failures   []json.RawMessage
}

func (l *recordingListener) OnChallengeReceived(_ string, payload json.RawMessage) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.challenges = append(l.challenges, payload)
}

func (l *recordingListener) OnSuccess(_ string, payload json.RawMessage) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.successes = append(l.successes, payload)
}

func (l *recordingListener) OnFailure(_ string, payload json.RawMessage) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.failures = append(l.failures, payload)
}

func TestHandlerSingleActiveRequest(t *testing.T) {
	listener := &recordingListener{}
	h := challenge.NewHandler("default", listener)

	first := newFakeRequest("default")
	second := newFakeRequest("default")
	payload := json.RawMessage(`{"question":"user?"}`)

	h.HandleChallenge(first, payload)
	require.Len(t, listener.challenges, 1)

	// a concurrent requester is queued, not prompted
	h.HandleChallenge(second, payload)
	require.Len(t, listener.challenges, 1)

	answer := json.RawMessage(`{"username":"u","password":"p"}`)
	h.SubmitAnswer(answer)
	require.Equal(t, answer, first.answers["default"])
	require.Equal(t, 1, first.resends)
	require.Empty(t, second.answers)

	// realm outcome releases the queued requester
	h.HandleSuccess(json.RawMessage(`{"user":"u"}`))
	require.Len(t, listener.successes, 1)
	require.Equal(t, []string{"default"}, second.removed)
	require.Equal(t, 1, second.resends)
}

func TestHandlerSubmitAnswerFailure(t *testing.T) {
	listener := &recordingListener{}
	h := challenge.NewHandler("default", listener)
	req := newFakeRequest("default")

	h.HandleChallenge(req, json.RawMessage(`{}`))
	h.SubmitAnswerFailure()
	require.Equal(t, []string{"default"}, req.removed)
	require.Empty(t, req.answers)

	// after release, a new requester becomes active again
	next := newFakeRequest("default")
	h.HandleChallenge(next, json.RawMessage(`{}`))
	require.Len(t, listener.challenges, 2)
}

func TestHandlerFailureReleasesQueue(t *testing.T) {
	listener := &recordingListener{}
	h := challenge.NewHandler("default", listener)
	first := newFakeRequest("default")
	second := newFakeRequest("default")
	third := newFakeRequest("default")

	h.HandleChallenge(first, json.RawMessage(`{}`))
	h.HandleChallenge(second, json.RawMessage(`{}`))
	h.HandleChallenge(third, json.RawMessage(`{}`))

	h.HandleFailure(json.RawMessage(`{"reason":"denied"}`))
	require.Len(t, listener.failures, 1)
	require.Equal(t, []string{"default"}, second.removed)
	require.Equal(t, []string{"default"}, third.removed)

	// all state cleared, a fresh challenge is prompted immediately
	h.HandleChallenge(first, json.RawMessage(`{}`))
	require.Len(t, listener.challenges, 2)
}

func TestHandlersOfDifferentRealmsAreIndependent(t *testing.T) {
	listenerA := &recordingListener{}
	listenerB := &recordingListener{}
	hA := challenge.NewHandler("realmA", listenerA)
	hB := challenge.NewHandler("realmB", listenerB)

	req := newFakeRequest("realmA", "realmB")
	hA.HandleChallenge(req, json.RawMessage(`{}`))
	hB.HandleChallenge(req, json.RawMessage(`{}`))
	require.Len(t, listenerA.challenges, 1)
	require.Len(t, listenerB.challenges, 1)

	// answering one realm does not resend until the other is answered
	hA.SubmitAnswer(json.RawMessage(`{"a":1}`))
	require.Equal(t, 0, req.resends)
	hB.SubmitAnswer(json.RawMessage(`{"b":2}`))
	require.Equal(t, 1, req.resends)
}

func TestHandlerAnswerWithoutChallenge(t *testing.T) {
	h := challenge.NewHandler("default", &recordingListener{})
	// must not panic
	h.SubmitAnswer(json.RawMessage(`{}`))
	h.SubmitAnswerFailure()
	h.HandleSuccess(json.RawMessage(`{}`))
}
