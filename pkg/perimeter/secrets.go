package perimeter

import (
	"os"
	"strings"
	"sync"
)

// SecretResolver maps an auth keyId to its shared HMAC secret.
type SecretResolver interface {
	Resolve(keyID string) (secret []byte, found bool)
}

// StaticSecretResolver serves secrets from a fixed map. Used in tests and
// for small fleets configured at startup.
type StaticSecretResolver struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewStaticSecretResolver copies the given key material.
func NewStaticSecretResolver(secrets map[string][]byte) *StaticSecretResolver {
	copied := make(map[string][]byte, len(secrets))
	for k, v := range secrets {
		copied[k] = append([]byte(nil), v...)
	}
	return &StaticSecretResolver{secrets: copied}
}

func (r *StaticSecretResolver) Resolve(keyID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	secret, ok := r.secrets[keyID]
	return secret, ok
}

// Register adds or replaces a key's secret.
func (r *StaticSecretResolver) Register(keyID string, secret []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[keyID] = append([]byte(nil), secret...)
}

// EnvSecretResolver resolves keyId "ops-bot" from the environment variable
// A2A_SECRET_OPS_BOT (prefix + uppercased keyId, dashes to underscores).
type EnvSecretResolver struct {
	Prefix string
}

// NewEnvSecretResolver uses the conventional A2A_SECRET_ prefix.
func NewEnvSecretResolver() *EnvSecretResolver {
	return &EnvSecretResolver{Prefix: "A2A_SECRET_"}
}

func (r *EnvSecretResolver) Resolve(keyID string) ([]byte, bool) {
	name := r.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(keyID))
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil, false
	}
	return []byte(value), true
}
