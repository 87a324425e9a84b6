package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// APIKeyAuth validates API keys against bcrypt hashes. Keys that passed
// once are remembered by their SHA-256 digest so bcrypt runs only on the
// first request per key.
type APIKeyAuth struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewAPIKeyAuth hashes plain keys with the given bcrypt cost
func NewAPIKeyAuth(cost int, keys ...string) (*APIKeyAuth, error) {
	hashes := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		h, err := HashKey(k, cost)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return NewAPIKeyAuthFromHashes(hashes...)
}

// NewAPIKeyAuthFromHashes uses precomputed bcrypt hashes
func NewAPIKeyAuthFromHashes(hashes ...string) (*APIKeyAuth, error) {
	a := &APIKeyAuth{verified: make(map[[sha256.Size]byte]struct{})}
	for _, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid key hash: %w", err)
		}
		a.hashes = append(a.hashes, []byte(h))
	}
	return a, nil
}

// Enabled reports whether any key is configured
func (a *APIKeyAuth) Enabled() bool {
	return a != nil && len(a.hashes) > 0
}

// Validate checks a presented key
func (a *APIKeyAuth) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	digest := sha256.Sum256([]byte(key))

	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return nil
	}

	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.mu.Lock()
			a.verified[digest] = struct{}{}
			a.mu.Unlock()
			return nil
		}
	}
	return ErrInvalidKey
}

// KeyFromRequest extracts a bearer token or X-API-Key header
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

// Middleware rejects requests without a valid key. Paths in skip pass through.
func (a *APIKeyAuth) Middleware(skip ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		if !a.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Validate(KeyFromRequest(r)); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="overseer"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"code":    http.StatusUnauthorized,
					"message": err.Error(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GenerateAPIKey returns a new random key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashKey hashes a key for storage in the configuration
func HashKey(key string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
