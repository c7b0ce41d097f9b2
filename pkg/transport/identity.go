package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"synapse/pkg/event"
	"synapse/pkg/types"
)

// Identity is the node's Ed25519 keypair. The public key doubles as the
// node's PeerID on the network and its AgentKey on signed envelopes.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

type identityFile struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// PeerID returns the network identifier derived from the public key.
func (id *Identity) PeerID() types.PeerID {
	return types.PeerID(base64.RawURLEncoding.EncodeToString(id.Public))
}

// AgentKey returns the envelope-signing identity of the node.
func (id *Identity) AgentKey() types.AgentKey {
	return event.EncodeAgentKey(id.Public)
}

// GenerateIdentity creates a fresh node keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// LoadOrCreateIdentity loads the keypair from path, generating and saving
// a new one when the file does not exist. Corrupt key material is fatal at
// startup, never silently regenerated.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := saveIdentity(path, id); saveErr != nil {
			return nil, saveErr
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	var kf identityFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	pub, err := base64.StdEncoding.DecodeString(kf.Public)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key file %s: invalid public key", path)
	}
	priv, err := base64.StdEncoding.DecodeString(kf.Private)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s: invalid private key", path)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

func saveIdentity(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(identityFile{
		Public:  base64.StdEncoding.EncodeToString(id.Public),
		Private: base64.StdEncoding.EncodeToString(id.Private),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
