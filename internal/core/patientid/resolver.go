// Package patientid assigns unique patient identifiers to rows that lack one.
//
// Synthesized identifiers have the form PREFIX-<uuid>. The random stream is
// reseeded at the start of each batch, so the same seed reproduces the same
// sequence of identifiers.
package patientid

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vietddude/ihebatch/internal/core/domain"
)

const (
	DefaultPrefix     = "PAT"
	DefaultMaxRetries = 10
)

// Resolver returns provided identifiers unchanged and synthesizes unique
// ones for empty values.
type Resolver struct {
	mu         sync.Mutex
	registry   *Registry
	prefix     string
	maxRetries int
	fixed      io.Reader
	entropy    io.Reader
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPrefix sets the identifier prefix.
func WithPrefix(prefix string) Option {
	return func(r *Resolver) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithMaxRetries bounds regeneration attempts after a collision.
func WithMaxRetries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithEntropy replaces the random source. Reset no longer reseeds it.
func WithEntropy(src io.Reader) Option {
	return func(r *Resolver) {
		r.fixed = src
	}
}

// NewResolver creates a resolver backed by registry. A nil registry gets a
// fresh one.
func NewResolver(registry *Registry, opts ...Option) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	r := &Resolver{
		registry:   registry,
		prefix:     DefaultPrefix,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.entropy = r.source(nil)
	return r
}

// Reset clears the registry and reseeds the random stream. A nil seed
// draws from crypto/rand.
func (r *Resolver) Reset(seed *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry.Reset()
	r.entropy = r.source(seed)
}

func (r *Resolver) source(seed *int64) io.Reader {
	if r.fixed != nil {
		return r.fixed
	}
	if seed == nil {
		return crand.Reader
	}
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], uint64(*seed))
	return rand.NewChaCha8(key)
}

// Resolve returns existing when it is non-blank, otherwise a new unique
// identifier. Provided identifiers are registered so synthesized ones never
// collide with them.
func (r *Resolver) Resolve(existing string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id := strings.TrimSpace(existing); id != "" {
		r.registry.Claim(id)
		return id, nil
	}

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		u, err := uuid.NewRandomFromReader(r.entropy)
		if err != nil {
			return "", &domain.IDGenerationError{Attempts: attempt, Err: err}
		}
		id := r.prefix + "-" + u.String()
		if r.registry.Claim(id) {
			return id, nil
		}
	}
	return "", &domain.IDGenerationError{Attempts: r.maxRetries}
}

// Registry exposes the batch-scoped registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}
