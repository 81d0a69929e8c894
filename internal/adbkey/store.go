package adbkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	// KeyBits is the size of generated keys.
	KeyBits = 2048

	// PrivateKeyFile is the private key file name inside the key directory.
	PrivateKeyFile = "adbkey"

	// PublicKeyFile is the public key file name inside the key directory.
	PublicKeyFile = "adbkey.pub"
)

// ErrKeyNotFound is returned when no private key exists in the key directory.
var ErrKeyNotFound = errors.New("adb key not found")

// Key is a loaded key pair with its derived blob.
type Key struct {
	Private *rsa.PrivateKey
	Blob    *KeyBlob
}

// NewKey wraps a private key and derives its blob.
func NewKey(priv *rsa.PrivateKey) (*Key, error) {
	blob, err := FromPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{Private: priv, Blob: blob}, nil
}

// Generate creates a new key of KeyBits bits.
func Generate() (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKey(priv)
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (k *Key) Fingerprint() string {
	pub, err := ssh.NewPublicKey(&k.Private.PublicKey)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(pub)
}

// Store writes adbkey (PKCS#8 PEM, 0600) and adbkey.pub into dir.
func (k *Key) Store(dir, identity string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pub, err := TransportString(k.Blob, identity)
	if err != nil {
		return err
	}
	pub = append(pub[:len(pub)-1], '\n')

	if err := writeFileAtomic(filepath.Join(dir, PrivateKeyFile), privPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, PublicKeyFile), pub, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the private key from dir. PKCS#8 and PKCS#1 PEM are accepted.
func Load(dir string) (*Key, error) {
	path := filepath.Join(dir, PrivateKeyFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM encoded", ErrUnsupportedKey, path)
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
		}
		priv = rsaKey
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
	}

	return NewKey(priv)
}

// LoadOrCreate loads the key in dir, generating and storing a new one if none exists.
// The boolean reports whether a key was created.
func LoadOrCreate(dir, identity string) (*Key, bool, error) {
	k, err := Load(dir)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	k, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := k.Store(dir, identity); err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// Exists reports whether a private key file exists in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	return err == nil
}

// DefaultDir returns ~/.android, where adb keeps its keys.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".android"
	}
	return filepath.Join(home, ".android")
}

// Identity returns "user@host" for the current process.
func Identity() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
		// Windows returns DOMAIN\user.
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return name + "@" + host
}
