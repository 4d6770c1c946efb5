package vault

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InlineTag is the YAML tag marking an inline-encrypted value.
const InlineTag = "!vault"

// EncryptFile encrypts an entire file in place, replacing its contents with
// a single envelope.
func (v *Vault) EncryptFile(path, vaultID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if IsEnvelope(data) {
		return fmt.Errorf("%s is already vault-encrypted", path)
	}

	envelope, err := v.Encrypt(data, vaultID)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(envelope), info.Mode().Perm())
}

// DecryptFile decrypts a whole-file envelope in place.
func (v *Vault) DecryptFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !IsEnvelope(data) {
		return fmt.Errorf("%s is not vault-encrypted", path)
	}

	plaintext, err := v.Decrypt(string(data))
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, plaintext, info.Mode().Perm())
}

// ViewFile returns the plaintext of a whole-file envelope without modifying
// the file.
func (v *Vault) ViewFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !IsEnvelope(data) {
		return nil, fmt.Errorf("%s is not vault-encrypted", path)
	}
	return v.Decrypt(string(data))
}

// EncryptString seals a single value and returns a YAML snippet assigning it
// to name as an inline !vault literal, embeddable in a plaintext var file.
func (v *Vault) EncryptString(name string, value []byte, vaultID string) (string, error) {
	envelope, err := v.Encrypt(value, vaultID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": !vault |\n")
	for _, line := range strings.Split(strings.TrimRight(envelope, "\n"), "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// LoadVarsFile loads a YAML variable file, transparently decrypting a
// whole-file envelope or any inline !vault values. A nil vault loads
// plaintext files only; encountering encrypted content without identities is
// an error.
func LoadVarsFile(path string, v *Vault) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vars file %s: %w", path, err)
	}

	if IsEnvelope(data) {
		if v == nil || !v.HasIdentities() {
			return nil, fmt.Errorf("%s is vault-encrypted but no vault identity is configured", path)
		}
		data, err = v.Decrypt(string(data))
		if err != nil {
			return nil, err
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse vars file %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return map[string]interface{}{}, nil
	}

	if err := DecryptNode(doc.Content[0], v, path); err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := doc.Content[0].Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode vars file %s: %w", path, err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// DecryptNode walks a YAML node tree replacing !vault scalars with their
// decrypted plaintext. Callers loading any document that may embed inline
// vault values (var files, playbooks) run their root node through this before
// decoding.
func DecryptNode(node *yaml.Node, v *Vault, source string) error {
	if node.Tag == InlineTag {
		if v == nil || !v.HasIdentities() {
			return fmt.Errorf("%s contains inline vault values but no vault identity is configured", source)
		}
		plaintext, err := v.Decrypt(node.Value)
		if err != nil {
			return err
		}
		node.SetString(string(plaintext))
		return nil
	}

	for _, child := range node.Content {
		if err := DecryptNode(child, v, source); err != nil {
			return err
		}
	}
	return nil
}
