package agent

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	privateKeyFile = "private.key"
	publicKeyFile  = "public.key"
)

// KeyPair is the node's long-term X25519 key pair. Keys are stored base64
// encoded, private key at mode 0600.
type KeyPair struct {
	Private *ecdh.PrivateKey
}

// PublicKeyBase64 returns the public key in the form sent to the coordinator.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Private.PublicKey().Bytes())
}

// LoadOrGenerateKeys loads the key pair from dir, generating and persisting a
// fresh one when absent.
func LoadOrGenerateKeys(dir string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %s: %w", dir, err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	raw, err := os.ReadFile(privPath)
	if err == nil {
		keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode private key %s: %w", privPath, err)
		}
		priv, err := ecdh.X25519().NewPrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", privPath, err)
		}
		return &KeyPair{Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read private key %s: %w", privPath, err)
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	kp := &KeyPair{Private: priv}

	encoded := base64.StdEncoding.EncodeToString(priv.Bytes())
	if err := os.WriteFile(privPath, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write private key %s: %w", privPath, err)
	}
	pubPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(pubPath, []byte(kp.PublicKeyBase64()+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write public key %s: %w", pubPath, err)
	}
	return kp, nil
}
