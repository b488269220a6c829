package preferences_test

import (
	"testing"

	"github.com/plgd-dev/mobile-auth/preferences"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, dir string) *preferences.Preferences {
	p, err := preferences.New(preferences.Config{Directory: dir})
	require.NoError(t, err)
	return p
}

func TestTokensBothOrNeither(t *testing.T) {
	p := open(t, t.TempDir())
	require.Error(t, p.SetTokens("access", ""))
	require.Error(t, p.SetTokens("", "id"))
	_, _, ok := p.Tokens()
	require.False(t, ok)

	require.NoError(t, p.SetTokens("access", "id"))
	access, id, ok := p.Tokens()
	require.True(t, ok)
	require.Equal(t, "access", access)
	require.Equal(t, "id", id)
}

func TestPolicyAlwaysSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.Equal(t, preferences.PersistenceAlways, p.Policy())
	require.NoError(t, p.SetTokens("access", "id"))

	reopened := open(t, dir)
	access, id, ok := reopened.Tokens()
	require.True(t, ok)
	require.Equal(t, "access", access)
	require.Equal(t, "id", id)
}

func TestPolicyNeverDoesNotSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetPolicy(preferences.PersistenceNever))
	require.NoError(t, p.SetTokens("access", "id"))

	// runtime value stays readable before restart
	access, _, ok := p.Tokens()
	require.True(t, ok)
	require.Equal(t, "access", access)

	reopened := open(t, dir)
	require.Equal(t, preferences.PersistenceNever, reopened.Policy())
	_, _, ok = reopened.Tokens()
	require.False(t, ok)
}

func TestPolicyChangeReconcilesStorage(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetPolicy(preferences.PersistenceNever))
	require.NoError(t, p.SetTokens("access", "id"))

	// switching to ALWAYS retroactively persists the runtime tokens
	require.NoError(t, p.SetPolicy(preferences.PersistenceAlways))
	reopened := open(t, dir)
	access, id, ok := reopened.Tokens()
	require.True(t, ok)
	require.Equal(t, "access", access)
	require.Equal(t, "id", id)
}

func TestPolicyChangeToNeverErasesDurable(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetTokens("access", "id"))

	// switching to NEVER erases the durable copy but keeps runtime
	require.NoError(t, p.SetPolicy(preferences.PersistenceNever))
	access, _, ok := p.Tokens()
	require.True(t, ok)
	require.Equal(t, "access", access)

	reopened := open(t, dir)
	require.NoError(t, reopened.SetPolicy(preferences.PersistenceAlways))
	_, _, ok = reopened.Tokens()
	require.False(t, ok)
}

func TestSetUnderNeverErasesPriorDurableCopy(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetTokens("old-access", "old-id"))
	require.NoError(t, p.SetPolicy(preferences.PersistenceNever))
	require.NoError(t, p.SetTokens("new-access", "new-id"))

	reopened := open(t, dir)
	require.NoError(t, reopened.SetPolicy(preferences.PersistenceAlways))
	_, _, ok := reopened.Tokens()
	require.False(t, ok)
}

func TestClientIDSetOnce(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	_, ok := p.ClientID()
	require.False(t, ok)

	require.NoError(t, p.SetClientID("client-1"))
	id, ok := p.ClientID()
	require.True(t, ok)
	require.Equal(t, "client-1", id)

	require.Error(t, p.SetClientID("client-2"))
	// idempotent for the same value
	require.NoError(t, p.SetClientID("client-1"))

	require.NoError(t, p.Clear())
	require.NoError(t, p.SetClientID("client-2"))
}

func TestClientIDIgnoresPolicy(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetPolicy(preferences.PersistenceNever))
	require.NoError(t, p.SetClientID("client-1"))

	reopened := open(t, dir)
	id, ok := reopened.ClientID()
	require.True(t, ok)
	require.Equal(t, "client-1", id)
}

func TestClearTokens(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetTokens("access", "id"))
	require.NoError(t, p.SetUserIdentity(`{"sub":"user"}`))
	require.NoError(t, p.ClearTokens())

	_, _, ok := p.Tokens()
	require.False(t, ok)
	_, ok = p.UserIdentity()
	require.False(t, ok)

	reopened := open(t, dir)
	_, _, ok = reopened.Tokens()
	require.False(t, ok)
}

func TestIdentityBlobsAreDurable(t *testing.T) {
	dir := t.TempDir()
	p := open(t, dir)
	require.NoError(t, p.SetDeviceIdentity(`{"id":"device-1"}`))
	require.NoError(t, p.SetAppIdentity(`{"id":"app-1"}`))

	reopened := open(t, dir)
	device, ok := reopened.DeviceIdentity()
	require.True(t, ok)
	require.Equal(t, `{"id":"device-1"}`, device)
	app, ok := reopened.AppIdentity()
	require.True(t, ok)
	require.Equal(t, `{"id":"app-1"}`, app)
}

func TestInvalidPolicy(t *testing.T) {
	p := open(t, t.TempDir())
	require.Error(t, p.SetPolicy(preferences.PersistencePolicy("SOMETIMES")))
}
