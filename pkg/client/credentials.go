package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/baccarat/pkg/crypto"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

// Credential is the token a client logs in with plus the user it last
// resolved to.
type Credential struct {
	Server   string       `yaml:"server"`
	Username string       `yaml:"username"`
	Token    string       `yaml:"token"`
	User     *pb.UserInfo `yaml:"user,omitempty"`
	SavedAt  int64        `yaml:"saved_at,omitempty"`
}

// CredentialStore keeps a single credential on disk. With a passphrase the
// file is sealed with XChaCha20-Poly1305, otherwise it is plain YAML.
type CredentialStore struct {
	mu         sync.Mutex
	path       string
	passphrase string
}

// NewCredentialStore creates a store at path. An empty path puts
// credentials.yaml next to the executable.
func NewCredentialStore(path, passphrase string) *CredentialStore {
	if path == "" {
		path = besideExecutable("credentials.yaml")
	}
	return &CredentialStore{path: path, passphrase: passphrase}
}

// Path returns the backing file.
func (cs *CredentialStore) Path() string {
	return cs.path
}

// Load reads the stored credential. Returns nil if nothing is stored.
func (cs *CredentialStore) Load() (*Credential, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := os.ReadFile(cs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if cs.passphrase != "" {
		if data, err = crypto.Open(cs.passphrase, data); err != nil {
			return nil, fmt.Errorf("client: open credentials: %w", err)
		}
	}

	var c Credential
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("client: parse credentials: %w", err)
	}
	if c.Token == "" {
		return nil, nil
	}
	return &c, nil
}

// Save replaces the stored credential.
func (cs *CredentialStore) Save(c Credential) error {
	if c.SavedAt == 0 {
		c.SavedAt = time.Now().Unix()
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	if cs.passphrase != "" {
		if data, err = crypto.Seal(cs.passphrase, data); err != nil {
			return err
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(cs.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(cs.path, data, 0600)
}

// Clear removes the stored credential. Clearing an empty store is not an error.
func (cs *CredentialStore) Clear() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := os.Remove(cs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func besideExecutable(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}
