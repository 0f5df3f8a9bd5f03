package brain

import (
	"errors"
	"strings"
	"sync"
)

// ErrNoCredentials is returned when no usable API key survives filtering.
var ErrNoCredentials = errors.New("no valid API keys configured")

// placeholderMarker identifies template values copied from example env files.
const placeholderMarker = "YOUR_"

// CredentialPool is an ordered, deduplicated list of API keys with a cyclic
// cursor. It is safe for concurrent use.
type CredentialPool struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// NewCredentialPool keeps the first occurrence of each key and drops blanks
// and placeholder values.
func NewCredentialPool(keys ...string) (*CredentialPool, error) {
	seen := make(map[string]bool, len(keys))
	var clean []string
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || strings.Contains(k, placeholderMarker) || seen[k] {
			continue
		}
		seen[k] = true
		clean = append(clean, k)
	}
	if len(clean) == 0 {
		return nil, ErrNoCredentials
	}
	return &CredentialPool{keys: clean}, nil
}

// Len returns the number of usable keys.
func (p *CredentialPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Current returns the key under the cursor.
func (p *CredentialPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[p.cursor]
}

// Index returns the cursor position.
func (p *CredentialPool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Rotate advances the cursor cyclically. It returns false, leaving the
// cursor untouched, when there is nothing to rotate to.
func (p *CredentialPool) Rotate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) <= 1 {
		return false
	}
	p.cursor = (p.cursor + 1) % len(p.keys)
	return true
}
