package vault

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Envelope format constants.
const (
	// envelopeMagic is the first field of every envelope header.
	envelopeMagic = "$TIDEWAY_VAULT"

	// FormatVersion is the current envelope format version.
	FormatVersion = "1.0"

	// CipherID identifies the AEAD cipher used by this format version.
	CipherID = "AES256-GCM"

	// scrypt parameters baked into the KDF identifier.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	keySize      = 32
	saltSize     = 16
	keyCheckSize = 8
)

// Envelope is the parsed form of a vault ciphertext envelope.
//
// The textual encoding is a header line followed by three base64 lines:
//
//	$TIDEWAY_VAULT;1.0;AES256-GCM;scrypt-32768-8-1;prod
//	<base64 salt>
//	<base64 key check>
//	<base64 nonce || sealed body>
//
// Encode and ParseEnvelope round-trip byte-exact.
type Envelope struct {
	// Version is the format version tag.
	Version string

	// Cipher is the cipher identifier.
	Cipher string

	// KDF is the key-derivation identifier including its parameters.
	KDF string

	// VaultID is the label of the identity that produced the envelope.
	VaultID string

	// Salt is the KDF salt.
	Salt []byte

	// KeyCheck is the short passphrase verifier.
	KeyCheck []byte

	// Nonce is the AEAD nonce.
	Nonce []byte

	// Body is the sealed ciphertext including the AEAD tag.
	Body []byte
}

// kdfParams returns the KDF identifier for the current scrypt parameters.
func kdfParams() string {
	return fmt.Sprintf("scrypt-%d-%d-%d", scryptN, scryptR, scryptP)
}

// Encode serializes the envelope to its textual form.
func (e *Envelope) Encode() string {
	enc := base64.StdEncoding
	lines := []string{
		strings.Join([]string{envelopeMagic, e.Version, e.Cipher, e.KDF, e.VaultID}, ";"),
		enc.EncodeToString(e.Salt),
		enc.EncodeToString(e.KeyCheck),
		enc.EncodeToString(append(append([]byte{}, e.Nonce...), e.Body...)),
	}
	return strings.Join(lines, "\n") + "\n"
}

// IsEnvelope reports whether data looks like a vault envelope.
func IsEnvelope(data []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(data)), envelopeMagic+";")
}

// ParseEnvelope parses the textual envelope form.
func ParseEnvelope(text string) (*Envelope, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 4 {
		return nil, fmt.Errorf("malformed vault envelope: expected 4 lines, got %d", len(lines))
	}

	header := strings.Split(strings.TrimSpace(lines[0]), ";")
	if len(header) != 5 || header[0] != envelopeMagic {
		return nil, fmt.Errorf("malformed vault envelope header")
	}
	if header[1] != FormatVersion {
		return nil, fmt.Errorf("unsupported vault format version %q", header[1])
	}
	if header[2] != CipherID {
		return nil, fmt.Errorf("unsupported vault cipher %q", header[2])
	}
	if err := checkKDF(header[3]); err != nil {
		return nil, err
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("malformed vault salt: %w", err)
	}
	keyCheck, err := enc.DecodeString(strings.TrimSpace(lines[2]))
	if err != nil {
		return nil, fmt.Errorf("malformed vault key check: %w", err)
	}
	payload, err := enc.DecodeString(strings.TrimSpace(lines[3]))
	if err != nil {
		return nil, fmt.Errorf("malformed vault body: %w", err)
	}

	// GCM nonce is 12 bytes; the body must at least hold the 16-byte tag.
	const nonceSize = 12
	if len(payload) < nonceSize+16 {
		return nil, fmt.Errorf("vault body too short")
	}

	return &Envelope{
		Version:  header[1],
		Cipher:   header[2],
		KDF:      header[3],
		VaultID:  header[4],
		Salt:     salt,
		KeyCheck: keyCheck,
		Nonce:    payload[:nonceSize],
		Body:     payload[nonceSize:],
	}, nil
}

// checkKDF validates the KDF identifier against the parameters this build
// supports.
func checkKDF(kdf string) error {
	parts := strings.Split(kdf, "-")
	if len(parts) != 4 || parts[0] != "scrypt" {
		return fmt.Errorf("unsupported vault KDF %q", kdf)
	}
	n, err1 := strconv.Atoi(parts[1])
	r, err2 := strconv.Atoi(parts[2])
	p, err3 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("malformed vault KDF parameters %q", kdf)
	}
	if n != scryptN || r != scryptR || p != scryptP {
		return fmt.Errorf("unsupported vault KDF parameters %q", kdf)
	}
	return nil
}
