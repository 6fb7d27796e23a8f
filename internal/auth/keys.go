package auth

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
)

const (
	ErrMissingKey = errors.ConstError("api key is required but not provided")
	ErrInvalidKey = errors.ConstError("invalid api key")
	ErrExpiredKey = errors.ConstError("api key has expired")
)

// EnvPrefix is followed by the upper-cased service name, for example
// BTRBACK_API_KEY_BACKUP.
const EnvPrefix = "BTRBACK_API_KEY_"

type APIKey struct {
	Key         string
	Service     string
	Description string
	// ExpiresAt is zero for keys that never expire.
	ExpiresAt time.Time
}

type KeyManager struct {
	mu   sync.RWMutex
	keys map[string]APIKey
	now  func() time.Time
}

func NewKeyManager() *KeyManager {
	return &KeyManager{
		keys: make(map[string]APIKey),
		now:  time.Now,
	}
}

func (km *KeyManager) Add(key APIKey) error {
	if key.Key == "" || key.Service == "" {
		return errors.NotValidf("api key without value or service")
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	km.keys[key.Key] = key
	return nil
}

func (km *KeyManager) Remove(key string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	delete(km.keys, key)
}

// Validate checks that key exists, belongs to service and has not expired.
func (km *KeyManager) Validate(key, service string) error {
	if key == "" {
		return errors.Trace(ErrMissingKey)
	}
	km.mu.RLock()
	k, ok := km.keys[key]
	km.mu.RUnlock()

	if !ok || k.Service != service {
		return errors.Trace(ErrInvalidKey)
	}
	if !k.ExpiresAt.IsZero() && km.now().After(k.ExpiresAt) {
		return errors.Trace(ErrExpiredKey)
	}
	return nil
}

// Protects reports whether any key is registered for service.
func (km *KeyManager) Protects(service string) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	for _, k := range km.keys {
		if k.Service == service {
			return true
		}
	}
	return false
}

// LoadEnv registers every BTRBACK_API_KEY_<SERVICE> variable found in
// environ (os.Environ format) and returns how many were added.
func (km *KeyManager) LoadEnv(environ []string) int {
	n := 0
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		service := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		if service == "" {
			continue
		}
		if km.Add(APIKey{Key: value, Service: service, Description: "from " + name}) == nil {
			n++
		}
	}
	return n
}

// Resolve returns the explicit key if given, otherwise the value of envVar,
// after validating it for service.
func (km *KeyManager) Resolve(explicit, envVar, service string) (string, error) {
	key := explicit
	if key == "" {
		key = os.Getenv(envVar)
	}
	if err := km.Validate(key, service); err != nil {
		return "", err
	}
	return key, nil
}
