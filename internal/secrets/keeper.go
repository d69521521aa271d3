// Package secrets seals deployment environment variables at rest.
//
// Env vars are encrypted with age before they touch the database and only
// decrypted in memory when an env_write step command is materialized for
// dispatch. The plaintext never lands in the step plan, the audit log, or
// on disk.
package secrets

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filippo.io/age"
)

const keyFilePerms = 0o600

// Keeper encrypts and decrypts env var bundles with one age identity.
type Keeper struct {
	identities []age.Identity
	recipient  age.Recipient
}

// NewKeeper loads the age identity file at keyPath. The file holds one or
// more AGE-SECRET-KEY lines; comments and blank lines are skipped. The
// first identity's recipient is used for sealing.
func NewKeeper(keyPath string) (*Keeper, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	var (
		identities []age.Identity
		recipient  age.Recipient
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity in %s: %w", keyPath, err)
		}
		identities = append(identities, identity)
		if recipient == nil {
			recipient = identity.Recipient()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan age key %s: %w", keyPath, err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("age key %s contains no identities", keyPath)
	}
	return &Keeper{identities: identities, recipient: recipient}, nil
}

// EnsureKeeper loads the identity at keyPath, generating a fresh one when
// the file does not exist yet.
func EnsureKeeper(keyPath string) (*Keeper, error) {
	if _, err := os.Stat(keyPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat age key %s: %w", keyPath, err)
		}
		if err := generateKey(keyPath); err != nil {
			return nil, err
		}
	}
	return NewKeeper(keyPath)
}

func generateKey(keyPath string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o750); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	content := fmt.Sprintf("# fleetdeck env sealing key\n# public key: %s\n%s\n",
		identity.Recipient(), identity)
	if err := os.WriteFile(keyPath, []byte(content), keyFilePerms); err != nil {
		return fmt.Errorf("write age key %s: %w", keyPath, err)
	}
	return nil
}

// SealEnv encrypts the env var map and returns it base64-encoded for
// storage in a text column.
func (k *Keeper) SealEnv(vars map[string]string) (string, error) {
	if k == nil || k.recipient == nil {
		return "", errors.New("secrets keeper is not configured")
	}
	if len(vars) == 0 {
		return "", nil
	}
	for key := range vars {
		if !validEnvKey(key) {
			return "", fmt.Errorf("invalid env var name %q", key)
		}
	}
	plaintext, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode env vars: %w", err)
	}
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, k.recipient)
	if err != nil {
		return "", fmt.Errorf("seal env vars: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("seal env vars: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal env vars: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed.Bytes()), nil
}

// OpenEnv decrypts a sealed env var bundle. An empty input yields an empty
// map.
func (k *Keeper) OpenEnv(sealed string) (map[string]string, error) {
	if k == nil || len(k.identities) == 0 {
		return nil, errors.New("secrets keeper is not configured")
	}
	if strings.TrimSpace(sealed) == "" {
		return map[string]string{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed env vars: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), k.identities...)
	if err != nil {
		return nil, fmt.Errorf("open sealed env vars: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("open sealed env vars: %w", err)
	}
	var vars map[string]string
	if err := json.Unmarshal(plaintext, &vars); err != nil {
		return nil, fmt.Errorf("decode env vars: %w", err)
	}
	return vars, nil
}

// RenderEnvFile renders the vars as dotenv lines, sorted by key for stable
// output. Values are single-quoted so shells and parsers leave them alone.
func RenderEnvFile(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		value := strings.ReplaceAll(vars[key], "'", `'\''`)
		fmt.Fprintf(&b, "%s='%s'\n", key, value)
	}
	return b.String()
}

func validEnvKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
