// Package vault implements the Secret Vault: a single OS-keychain entry
// holding the master symmetric key and password pepper, plus the
// encrypt/decrypt and password hash/verify primitives every other
// component builds on.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"

	"github.com/aristath/sentinel/internal/apperr"
)

const (
	serviceName = "sentinel-trust-core"
	accountName = "master"

	masterKeyLen = 32 // 256-bit
	pepperLen    = 16 // 128-bit minimum
	nonceLen     = 12 // 96-bit GCM nonce

	// Argon2id parameters sized for interactive desktop login, not
	// server-side batch verification.
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// secrets is the payload bound to the keychain entry (or its headless
// file-backed fallback).
type secrets struct {
	MasterKeyB64 string `json:"master_key_b64"`
	PepperB64    string `json:"pepper_b64"`
}

// Vault holds the unlocked master key and pepper in process memory only.
// It never writes cleartext key material to disk itself; persistence of
// the wrapped blob is delegated to the OS keychain or, on unsupported
// platforms, to the headless fallback file.
type Vault struct {
	masterKey []byte
	pepper    []byte
	log       zerolog.Logger
}

// Open binds to the OS keychain entry, creating it on first run. dataDir
// is only used by the headless fallback (see fallback.go) when the host
// has no usable keychain.
func Open(dataDir string, log zerolog.Logger) (*Vault, error) {
	log = log.With().Str("component", "vault").Logger()

	raw, err := keyring.Get(serviceName, accountName)
	if err == keyring.ErrNotFound {
		log.Info().Msg("no existing vault entry, generating master key and pepper")
		s, genErr := generateSecrets()
		if genErr != nil {
			return nil, apperr.Wrap(apperr.CryptoFailure, "generate master secrets", genErr)
		}
		blob, marshalErr := json.Marshal(s)
		if marshalErr != nil {
			return nil, apperr.Wrap(apperr.Internal, "marshal vault secrets", marshalErr)
		}
		if setErr := keyring.Set(serviceName, accountName, string(blob)); setErr != nil {
			if setErr == keyring.ErrUnsupportedPlatform {
				return openHeadless(dataDir, log, s)
			}
			return nil, apperr.Wrap(apperr.VaultUnavailable, "persist vault entry", setErr)
		}
		return fromSecrets(s, log)
	}
	if err == keyring.ErrUnsupportedPlatform {
		return openHeadlessExisting(dataDir, log)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.VaultUnavailable, "read vault entry", err)
	}

	var s secrets
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode vault entry", err)
	}
	return fromSecrets(&s, log)
}

func generateSecrets() (*secrets, error) {
	masterKey := make([]byte, masterKeyLen)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, err
	}
	pepper := make([]byte, pepperLen)
	if _, err := rand.Read(pepper); err != nil {
		return nil, err
	}
	return &secrets{
		MasterKeyB64: base64.StdEncoding.EncodeToString(masterKey),
		PepperB64:    base64.StdEncoding.EncodeToString(pepper),
	}, nil
}

func fromSecrets(s *secrets, log zerolog.Logger) (*Vault, error) {
	masterKey, err := base64.StdEncoding.DecodeString(s.MasterKeyB64)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode master key", err)
	}
	pepper, err := base64.StdEncoding.DecodeString(s.PepperB64)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "decode pepper", err)
	}
	if len(masterKey) != masterKeyLen {
		return nil, apperr.New(apperr.CryptoFailure, "master key has unexpected length")
	}
	if len(pepper) < pepperLen {
		return nil, apperr.New(apperr.CryptoFailure, "pepper shorter than minimum length")
	}
	return &Vault{masterKey: masterKey, pepper: pepper, log: log}, nil
}

// Encrypt seals plaintext under the master key with a freshly drawn
// 96-bit nonce. The caller is responsible for persisting ciphertext and
// nonce together; Encrypt never reuses a nonce across calls.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CryptoFailure, "build aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CryptoFailure, "build gcm", err)
	}
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apperr.Wrap(apperr.CryptoFailure, "draw nonce", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. A tampered ciphertext or a
// mismatched nonce surfaces as AuthTagMismatch, never a partial plaintext.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "build aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoFailure, "build gcm", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, apperr.New(apperr.AuthTagMismatch, "nonce has unexpected length")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthTagMismatch, "decrypt failed", err)
	}
	return plaintext, nil
}

// HashPassword derives a PHC-formatted Argon2id hash of plaintext peppered
// with the vault's pepper. The returned string is self-describing (salt
// and parameters travel with it) so VerifyPassword needs no extra state.
func (v *Vault) HashPassword(plaintext string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.Wrap(apperr.CryptoFailure, "draw password salt", err)
	}
	key := argon2.IDKey(v.peppered(plaintext), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword recomputes the Argon2id hash of plaintext (peppered) and
// compares it in constant time against phc.
func (v *Vault) VerifyPassword(plaintext, phc string) (bool, error) {
	parts, err := parsePHC(phc)
	if err != nil {
		return false, apperr.Wrap(apperr.CryptoFailure, "parse password hash", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts.salt)
	if err != nil {
		return false, apperr.Wrap(apperr.CryptoFailure, "decode password salt", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts.key)
	if err != nil {
		return false, apperr.Wrap(apperr.CryptoFailure, "decode password key", err)
	}

	got := argon2.IDKey(v.peppered(plaintext), salt, parts.time, parts.memory, parts.threads, uint32(len(want)))
	return constantTimeEqual(got, want), nil
}

type phcParts struct {
	memory, time uint32
	threads      uint8
	salt, key    string
}

// parsePHC splits a "$argon2id$v=19$m=..,t=..,p=..$salt$key" string. We
// parse it by hand rather than with fmt.Sscanf since the latter cannot
// stop a "%s" verb at a "$" delimiter.
func parsePHC(phc string) (*phcParts, error) {
	fields := strings.Split(phc, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return nil, fmt.Errorf("unrecognized password hash format")
	}
	var mem uint32
	var t uint32
	var p uint8
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &mem, &t, &p); err != nil {
		return nil, err
	}
	return &phcParts{memory: mem, time: t, threads: p, salt: fields[4], key: fields[5]}, nil
}

func (v *Vault) peppered(plaintext string) []byte {
	out := make([]byte, 0, len(plaintext)+len(v.pepper))
	out = append(out, []byte(plaintext)...)
	out = append(out, v.pepper...)
	return out
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
