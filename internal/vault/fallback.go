package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/scrypt"

	"github.com/aristath/sentinel/internal/apperr"
)

// Headless/DPAPI-less fallback: the {master_key, pepper} blob is wrapped
// with a key derived (scrypt) from a per-machine id file instead of
// relying on an OS keychain that does not exist on this platform. This is
// the "DPAPI-encrypted file equivalent" the source leaves
// implementation-defined.

const (
	fallbackFileName  = ".vault"
	machineIDFileName = ".machine-id"
	scryptSaltLen     = 16
)

func vaultFilePath(dataDir string) string {
	return filepath.Join(dataDir, fallbackFileName)
}

func openHeadless(dataDir string, log zerolog.Logger, s *secrets) (*Vault, error) {
	log.Warn().Msg("OS keychain unsupported on this platform, falling back to encrypted file vault")
	key, err := machineDerivedKey(dataDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.VaultUnavailable, "derive fallback key", err)
	}
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "marshal fallback secrets", err)
	}
	ciphertext, nonce, err := sealWithKey(key, blob)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "seal fallback vault", err)
	}
	if err := writeFallbackFile(dataDir, ciphertext, nonce); err != nil {
		return nil, apperr.Wrap(apperr.VaultUnavailable, "persist fallback vault", err)
	}
	return fromSecrets(s, log)
}

func openHeadlessExisting(dataDir string, log zerolog.Logger) (*Vault, error) {
	log.Warn().Msg("OS keychain unsupported on this platform, using encrypted file vault")
	path := vaultFilePath(dataDir)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s, genErr := generateSecrets()
		if genErr != nil {
			return nil, apperr.Wrap(apperr.CryptoFailure, "generate fallback secrets", genErr)
		}
		return openHeadless(dataDir, log, s)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.VaultUnavailable, "read fallback vault", err)
	}

	var onDisk fallbackFile
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode fallback vault", err)
	}
	key, err := machineDerivedKey(dataDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.VaultUnavailable, "derive fallback key", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(onDisk.CiphertextB64)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode fallback ciphertext", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(onDisk.NonceB64)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode fallback nonce", err)
	}
	plaintext, err := openWithKey(key, ciphertext, nonce)
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthTagMismatch, "open fallback vault", err)
	}

	var s secrets
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode fallback secrets", err)
	}
	return fromSecrets(&s, log)
}

type fallbackFile struct {
	CiphertextB64 string `json:"ciphertext_b64"`
	NonceB64      string `json:"nonce_b64"`
}

func writeFallbackFile(dataDir string, ciphertext, nonce []byte) error {
	f := fallbackFile{
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(vaultFilePath(dataDir), b, 0600)
}

// machineDerivedKey derives a 32-byte key from a locally persisted
// machine-id file (generated on first use) via scrypt, so the fallback
// blob is not plaintext even though there is no OS keychain to bind it to.
func machineDerivedKey(dataDir string) ([]byte, error) {
	idPath := filepath.Join(dataDir, machineIDFileName)
	id, err := os.ReadFile(idPath)
	if os.IsNotExist(err) {
		id = make([]byte, 32)
		if _, genErr := rand.Read(id); genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(idPath, id, 0600); writeErr != nil {
			return nil, writeErr
		}
	} else if err != nil {
		return nil, err
	}

	salt := make([]byte, scryptSaltLen)
	// The salt is derived deterministically from the machine id itself so
	// the same id file always yields the same key; scrypt's cost factor
	// supplies the defense, not salt secrecy.
	copy(salt, id)
	return scrypt.Key(id, salt, 1<<15, 8, 1, masterKeyLen)
}

func sealWithKey(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func openWithKey(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
