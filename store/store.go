// Package store persists the device's signing identity: one RSA key pair and
// the certificate chain issued for it, sealed in an encrypted keystore file.
// A single fixed alias is used, one device identity per installation.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/plgd-dev/mobile-auth/pkg/codec/json"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	pkgX509 "github.com/plgd-dev/mobile-auth/pkg/security/x509"
	"golang.org/x/crypto/pbkdf2"
)

// ErrNotFound is returned when the keystore holds no entry under the alias.
var ErrNotFound = errors.New("not found")

const (
	keystoreFile  = "credentials.keystore"
	installIDFile = "install.id"
	entryAlias    = "device"

	pbkdf2Iterations = 4096
	aesKeyLen        = 32
)

type entry struct {
	PrivateKey  []byte `json:"privateKey"`
	Certificate []byte `json:"certificate"`
}

type content struct {
	Entries map[string]entry `json:"entries"`
}

// KeyStore is the encrypted credential store. All writes are serialized;
// the backing file is a process-wide singleton.
type KeyStore struct {
	path  string
	aead  cipher.AEAD
	mutex sync.Mutex
}

// InstallID loads the stable per-install identifier from dir, generating and
// persisting a fresh one on first use.
func InstallID(dir string) (string, error) {
	path := filepath.Join(dir, installIDFile)
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

// New opens the keystore in config.Directory. The encryption key is derived
// from the passphrase with the per-install identifier as salt, so a keystore
// file copied to another installation cannot be opened.
func New(config Config) (*KeyStore, error) {
	if err := config.Validate(); err != nil {
		return nil, pkgErrors.NewErrorWithMessage("invalid keystore config", pkgErrors.ErrInvalidArgument, err)
	}
	installID, err := InstallID(config.Directory)
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot load install id", pkgErrors.ErrCredential, err)
	}
	key := pbkdf2.Key([]byte(config.Passphrase), []byte(installID), pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &KeyStore{
		path: filepath.Join(config.Directory, keystoreFile),
		aead: aead,
	}, nil
}

func (s *KeyStore) load() (*content, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &content{Entries: make(map[string]entry)}, nil
	}
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot read keystore", pkgErrors.ErrCredential, err)
	}
	if len(data) < s.aead.NonceSize() {
		return nil, pkgErrors.NewErrorWithMessage("keystore corrupted", pkgErrors.ErrCredential)
	}
	nonce, sealed := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot decrypt keystore", pkgErrors.ErrCredential, err)
	}
	var c content
	if err := json.Decode(plain, &c); err != nil {
		return nil, pkgErrors.NewErrorWithMessage("keystore corrupted", pkgErrors.ErrCredential, err)
	}
	if c.Entries == nil {
		c.Entries = make(map[string]entry)
	}
	return &c, nil
}

func (s *KeyStore) persist(c *content) error {
	plain, err := json.Encode(c)
	if err != nil {
		return err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return pkgErrors.NewErrorWithMessage("cannot write keystore", pkgErrors.ErrCredential, err)
	}
	return nil
}

// HasCertificate reports whether a device certificate is stored.
func (s *KeyStore) HasCertificate() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, err := s.load()
	if err != nil {
		return false
	}
	e, ok := c.Entries[entryAlias]
	return ok && len(e.Certificate) > 0
}

// LoadKeyPair returns the stored device key pair or ErrNotFound.
func (s *KeyStore) LoadKeyPair() (*rsa.PrivateKey, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	e, ok := c.Entries[entryAlias]
	if !ok || len(e.PrivateKey) == 0 {
		return nil, ErrNotFound
	}
	block, _ := pem.Decode(e.PrivateKey)
	if block == nil {
		return nil, pkgErrors.NewErrorWithMessage("keystore corrupted", pkgErrors.ErrCredential)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot parse private key", pkgErrors.ErrCredential, err)
	}
	return key, nil
}

// LoadCertificate returns the stored certificate chain, leaf first, or ErrNotFound.
func (s *KeyStore) LoadCertificate() ([]*x509.Certificate, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	e, ok := c.Entries[entryAlias]
	if !ok || len(e.Certificate) == 0 {
		return nil, ErrNotFound
	}
	return pkgX509.ParseChainPEM(e.Certificate)
}

// Save stores the key pair and certificate chain, overwriting any prior entry.
func (s *KeyStore) Save(key *rsa.PrivateKey, chain []*x509.Certificate) error {
	if key == nil || len(chain) == 0 {
		return pkgErrors.NewErrorWithMessage("key pair and certificate must be set", pkgErrors.ErrInvalidArgument)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, err := s.load()
	if err != nil {
		return err
	}
	c.Entries[entryAlias] = entry{
		PrivateKey:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		Certificate: pkgX509.EncodeChainPEM(chain),
	}
	return s.persist(c)
}

// Clear removes the stored device identity.
func (s *KeyStore) Clear() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, err := s.load()
	if err != nil {
		return err
	}
	delete(c.Entries, entryAlias)
	return s.persist(c)
}
