// Package tokenstore persists the rotating refresh token as an opaque
// encrypted blob at <rootPath>/refresh.blob. The blob is sealed with
// XChaCha20-Poly1305 under a scrypt key derived from host identity and the
// platform tag, so a copied blob does not decrypt on another machine.
package tokenstore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const BlobFileName = "refresh.blob"

var blobMagic = []byte("KRT1")

const (
	saltSize = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type Store struct{}

func New() *Store {
	return &Store{}
}

// Save seals token and writes it to rootPath/refresh.blob with owner-only
// permissions. The parent directory is created if missing.
func (s *Store) Save(platformTag, rootPath, token string) error {
	if strings.TrimSpace(rootPath) == "" {
		return fmt.Errorf("token store root path is required")
	}
	if err := os.MkdirAll(rootPath, 0o700); err != nil {
		return fmt.Errorf("create token store root %q: %w", rootPath, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := sealCipher(platformTag, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(token), blobMagic)
	blob := make([]byte, 0, len(blobMagic)+len(salt)+len(nonce)+len(sealed))
	blob = append(blob, blobMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	path := filepath.Join(rootPath, BlobFileName)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile permissions do not apply when the file pre-exists; tighten
	// explicitly so rotation keeps the blob owner-only.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict %s: %w", path, err)
	}
	return nil
}

// Load reads and opens the blob. A missing blob is ("", nil); a blob that does
// not decrypt on this host is an error.
func (s *Store) Load(platformTag, rootPath string) (string, error) {
	path := filepath.Join(rootPath, BlobFileName)
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	minLen := len(blobMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(blob) < minLen || !bytes.HasPrefix(blob, blobMagic) {
		return "", fmt.Errorf("token blob %s is malformed", path)
	}
	blob = blob[len(blobMagic):]
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := blob[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := sealCipher(platformTag, salt)
	if err != nil {
		return "", err
	}
	token, err := aead.Open(nil, nonce, sealed, blobMagic)
	if err != nil {
		return "", fmt.Errorf("open token blob %s: %w", path, err)
	}
	return string(token), nil
}

func sealCipher(platformTag string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(hostSecret(platformTag), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive blob key: %w", err)
	}
	c, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init blob cipher: %w", err)
	}
	return c, nil
}

// hostSecret binds the key to this machine: platform tag, hostname, and the
// machine id where the OS provides one.
func hostSecret(platformTag string) []byte {
	parts := []string{"kraken-agent", strings.TrimSpace(platformTag)}
	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, hostname)
	}
	for _, idPath := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if raw, err := os.ReadFile(idPath); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				parts = append(parts, id)
				break
			}
		}
	}
	return []byte(strings.Join(parts, "|"))
}
