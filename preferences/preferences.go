// Package preferences is the durable key/value store for the client
// identifier, tokens and identity blobs. Token-class values follow the active
// persistence policy: they always live in memory, and additionally in the
// encrypted backing file only while the policy is ALWAYS.
package preferences

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"

	"github.com/plgd-dev/mobile-auth/pkg/codec/json"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	"github.com/plgd-dev/mobile-auth/store"
	"golang.org/x/crypto/pbkdf2"
)

// PersistencePolicy selects whether token-class values survive a process restart.
type PersistencePolicy string

const (
	// PersistenceAlways keeps tokens in durable storage.
	PersistenceAlways PersistencePolicy = "ALWAYS"
	// PersistenceNever keeps tokens in memory only.
	PersistenceNever PersistencePolicy = "NEVER"
)

func (p PersistencePolicy) valid() bool {
	return p == PersistenceAlways || p == PersistenceNever
}

// Preference keys.
const (
	keyPolicy         = "persistencePolicy"
	keyClientID       = "clientID"
	keyAccessToken    = "accessToken"
	keyIDToken        = "idToken"
	keyUserIdentity   = "userIdentity"
	keyDeviceIdentity = "deviceIdentity"
	keyAppIdentity    = "appIdentity"
)

// gatedKeys are governed by the persistence policy; everything else is
// unconditionally durable.
var gatedKeys = []string{keyAccessToken, keyIDToken, keyUserIdentity}

const (
	preferencesFile  = "preferences.store"
	pbkdf2Iterations = 4096
	aesKeyLen        = 32
)

// preferencesSalt separates the preferences key from the keystore key even
// though both derive from the same install identifier.
var preferencesSalt = []byte("mobile-auth/preferences")

type Preferences struct {
	path    string
	aead    cipher.AEAD
	mutex   sync.Mutex
	policy  PersistencePolicy
	runtime map[string]string
	durable map[string]string
}

// New opens the preferences store in config.Directory. Values are encrypted
// under a key derived from the per-install identifier shared with the keystore.
func New(config Config) (*Preferences, error) {
	if err := config.Validate(); err != nil {
		return nil, pkgErrors.NewErrorWithMessage("invalid preferences config", pkgErrors.ErrInvalidArgument, err)
	}
	installID, err := store.InstallID(config.Directory)
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot load install id", pkgErrors.ErrCredential, err)
	}
	key := pbkdf2.Key([]byte(installID), preferencesSalt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	p := &Preferences{
		path:    filepath.Join(config.Directory, preferencesFile),
		aead:    aead,
		runtime: make(map[string]string),
	}
	if err := p.loadDurable(); err != nil {
		return nil, err
	}
	p.policy = PersistenceAlways
	if stored, ok := p.durable[keyPolicy]; ok && PersistencePolicy(stored).valid() {
		p.policy = PersistencePolicy(stored)
	}
	return p, nil
}

func (p *Preferences) loadDurable() error {
	p.durable = make(map[string]string)
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return pkgErrors.NewErrorWithMessage("cannot read preferences", pkgErrors.ErrCredential, err)
	}
	if len(data) < p.aead.NonceSize() {
		return pkgErrors.NewErrorWithMessage("preferences corrupted", pkgErrors.ErrCredential)
	}
	nonce, sealed := data[:p.aead.NonceSize()], data[p.aead.NonceSize():]
	plain, err := p.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return pkgErrors.NewErrorWithMessage("cannot decrypt preferences", pkgErrors.ErrCredential, err)
	}
	if err := json.Decode(plain, &p.durable); err != nil {
		return pkgErrors.NewErrorWithMessage("preferences corrupted", pkgErrors.ErrCredential, err)
	}
	return nil
}

func (p *Preferences) persist() error {
	plain, err := json.Encode(p.durable)
	if err != nil {
		return err
	}
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := p.aead.Seal(nonce, nonce, plain, nil)
	if err := os.WriteFile(p.path, sealed, 0o600); err != nil {
		return pkgErrors.NewErrorWithMessage("cannot write preferences", pkgErrors.ErrCredential, err)
	}
	return nil
}

// setGated updates the runtime value and mirrors it to durable storage only
// under the ALWAYS policy; under NEVER any prior durable copy is erased.
func (p *Preferences) setGated(key, value string) error {
	p.runtime[key] = value
	if p.policy == PersistenceAlways {
		p.durable[key] = value
	} else {
		delete(p.durable, key)
	}
	return p.persist()
}

// getGated prefers the runtime value; an absent runtime value falls back to
// the durable copy only under ALWAYS.
func (p *Preferences) getGated(key string) (string, bool) {
	if v, ok := p.runtime[key]; ok && v != "" {
		return v, true
	}
	if p.policy != PersistenceAlways {
		return "", false
	}
	v, ok := p.durable[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (p *Preferences) setDurable(key, value string) error {
	p.durable[key] = value
	return p.persist()
}

func (p *Preferences) getDurable(key string) (string, bool) {
	v, ok := p.durable[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Policy returns the active persistence policy.
func (p *Preferences) Policy() PersistencePolicy {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.policy
}

// SetPolicy changes the persistence policy and immediately reconciles durable
// storage against the unchanged runtime values: switching to ALWAYS persists
// whatever is currently in memory, switching to NEVER erases the durable
// copies without touching memory.
func (p *Preferences) SetPolicy(policy PersistencePolicy) error {
	if !policy.valid() {
		return pkgErrors.NewErrorWithMessage("unknown persistence policy", pkgErrors.ErrInvalidArgument)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.policy = policy
	p.durable[keyPolicy] = string(policy)
	for _, key := range gatedKeys {
		if policy == PersistenceAlways {
			if v, ok := p.runtime[key]; ok && v != "" {
				p.durable[key] = v
			}
		} else {
			delete(p.durable, key)
		}
	}
	return p.persist()
}

// SetTokens stores the access and ID token as one unit; both must be set.
func (p *Preferences) SetTokens(accessToken, idToken string) error {
	if accessToken == "" || idToken == "" {
		return pkgErrors.NewErrorWithMessage("access and ID token must both be set", pkgErrors.ErrInvalidArgument)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.setGated(keyAccessToken, accessToken); err != nil {
		return err
	}
	return p.setGated(keyIDToken, idToken)
}

// Tokens returns the stored token pair; ok is false when either half is absent.
func (p *Preferences) Tokens() (accessToken, idToken string, ok bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	accessToken, okAccess := p.getGated(keyAccessToken)
	idToken, okID := p.getGated(keyIDToken)
	if !okAccess || !okID {
		return "", "", false
	}
	return accessToken, idToken, true
}

// ClearTokens removes the token pair and the derived user identity from both
// runtime and durable storage.
func (p *Preferences) ClearTokens() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, key := range gatedKeys {
		delete(p.runtime, key)
		delete(p.durable, key)
	}
	return p.persist()
}

func (p *Preferences) SetUserIdentity(identity string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.setGated(keyUserIdentity, identity)
}

func (p *Preferences) UserIdentity() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.getGated(keyUserIdentity)
}

// SetClientID stores the registration-assigned client identifier. It is set
// exactly once per installation; changing it requires clearing storage.
func (p *Preferences) SetClientID(clientID string) error {
	if clientID == "" {
		return pkgErrors.NewErrorWithMessage("client id is not set", pkgErrors.ErrInvalidArgument)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if existing, ok := p.getDurable(keyClientID); ok && existing != clientID {
		return pkgErrors.NewErrorWithMessage("client id already set", pkgErrors.ErrCredential)
	}
	return p.setDurable(keyClientID, clientID)
}

func (p *Preferences) ClientID() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.getDurable(keyClientID)
}

func (p *Preferences) SetDeviceIdentity(identity string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.setDurable(keyDeviceIdentity, identity)
}

func (p *Preferences) DeviceIdentity() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.getDurable(keyDeviceIdentity)
}

func (p *Preferences) SetAppIdentity(identity string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.setDurable(keyAppIdentity, identity)
}

func (p *Preferences) AppIdentity() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.getDurable(keyAppIdentity)
}

// Clear wipes all preferences, runtime and durable.
func (p *Preferences) Clear() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.runtime = make(map[string]string)
	p.durable = make(map[string]string)
	return p.persist()
}
