// Package vault implements symmetric encryption of variable payloads using
// authenticated AES-256-GCM envelopes with scrypt key derivation.
//
// An envelope carries a format version, cipher identifier, key-derivation
// parameters, and the vault-id label of the identity that produced it. The
// same envelope format serves both whole-file encryption and per-value
// encryption embedded inline in plaintext variable files.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// WrongPassphraseError reports that no configured identity's passphrase
// verified against the envelope.
type WrongPassphraseError struct {
	// VaultID is the envelope's vault-id label.
	VaultID string
}

// Error implements the error interface.
func (e *WrongPassphraseError) Error() string {
	if e.VaultID != "" {
		return fmt.Sprintf("no configured passphrase verifies for vault id %q", e.VaultID)
	}
	return "no configured passphrase verifies for envelope"
}

// IntegrityError reports that the passphrase verified but the ciphertext
// failed authentication: the envelope has been tampered with or corrupted.
type IntegrityError struct {
	// VaultID is the envelope's vault-id label.
	VaultID string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("vault envelope failed integrity check (vault id %q)", e.VaultID)
}

// IsVaultError reports whether err is a vault decryption failure, as opposed
// to an I/O or parse error.
func IsVaultError(err error) bool {
	var wrong *WrongPassphraseError
	var integrity *IntegrityError
	return errors.As(err, &wrong) || errors.As(err, &integrity)
}

// Identity is one configured passphrase, labeled by vault id.
type Identity struct {
	// ID is the vault-id label.
	ID string

	// Passphrase is the secret used for key derivation.
	Passphrase []byte
}

// Vault holds the configured passphrase identities. Decryption tries each
// identity until one verifies or all fail. Derived keys are cached per
// (identity, salt) so repeated decryptions of values from the same file skip
// the KDF; the cache is safe for concurrent readers across host streams.
type Vault struct {
	identities []Identity
	keyCache   sync.Map // cacheKey -> []byte
}

type cacheKey struct {
	id   string
	salt string
}

// New creates a vault with the given identities. Encryption uses the first
// identity unless an explicit vault id is requested.
func New(identities ...Identity) *Vault {
	return &Vault{identities: identities}
}

// AddIdentity appends another passphrase identity.
func (v *Vault) AddIdentity(id Identity) {
	v.identities = append(v.identities, id)
}

// HasIdentities reports whether any passphrase is configured.
func (v *Vault) HasIdentities() bool {
	return len(v.identities) > 0
}

// Encrypt seals plaintext under the identity labeled vaultID ("" selects the
// first configured identity) and returns the textual envelope.
func (v *Vault) Encrypt(plaintext []byte, vaultID string) (string, error) {
	ident, err := v.identity(vaultID)
	if err != nil {
		return "", err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := v.deriveKey(ident, salt)
	if err != nil {
		return "", err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	env := &Envelope{
		Version:  FormatVersion,
		Cipher:   CipherID,
		KDF:      kdfParams(),
		VaultID:  ident.ID,
		Salt:     salt,
		KeyCheck: keyCheck(key, salt),
		Nonce:    nonce,
		Body:     sealed,
	}
	return env.Encode(), nil
}

// Decrypt opens a textual envelope, trying each configured identity's key
// until one verifies. A verified key with failing ciphertext authentication
// is an IntegrityError; no verifying key at all is a WrongPassphraseError.
func (v *Vault) Decrypt(envelope string) ([]byte, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	for _, ident := range v.identities {
		key, err := v.deriveKey(ident, env.Salt)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(keyCheck(key, env.Salt), env.KeyCheck) != 1 {
			continue
		}

		aead, err := newAEAD(key)
		if err != nil {
			return nil, err
		}
		plaintext, err := aead.Open(nil, env.Nonce, env.Body, nil)
		if err != nil {
			return nil, &IntegrityError{VaultID: env.VaultID}
		}
		return plaintext, nil
	}

	return nil, &WrongPassphraseError{VaultID: env.VaultID}
}

// identity selects the encryption identity for a vault id.
func (v *Vault) identity(vaultID string) (Identity, error) {
	if len(v.identities) == 0 {
		return Identity{}, fmt.Errorf("no vault identities configured")
	}
	if vaultID == "" {
		return v.identities[0], nil
	}
	for _, ident := range v.identities {
		if ident.ID == vaultID {
			return ident, nil
		}
	}
	return Identity{}, fmt.Errorf("unknown vault id %q", vaultID)
}

// deriveKey runs scrypt for an identity and salt, consulting the shared
// read-only cache first.
func (v *Vault) deriveKey(ident Identity, salt []byte) ([]byte, error) {
	ck := cacheKey{id: ident.ID, salt: string(salt)}
	if cached, ok := v.keyCache.Load(ck); ok {
		return cached.([]byte), nil
	}

	key, err := scrypt.Key(ident.Passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	v.keyCache.Store(ck, key)
	return key, nil
}

// newAEAD constructs the AES-256-GCM AEAD for a derived key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// keyCheck computes the short verifier distinguishing a wrong passphrase
// from a tampered ciphertext.
func keyCheck(key, salt []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(salt)
	return h.Sum(nil)[:keyCheckSize]
}
