package patientid

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// =============================================================================
// Helpers
// =============================================================================

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func sequence(t *testing.T, r *Resolver, seed int64, n int) []string {
	t.Helper()
	r.Reset(&seed)
	ids := make([]string, 0, n)
	for range n {
		id, err := r.Resolve("")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// Resolver Tests
// =============================================================================

func TestResolve_ProvidedIDWins(t *testing.T) {
	r := NewResolver(nil)

	id, err := r.Resolve("  MRN-123 ")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "MRN-123" {
		t.Errorf("expected MRN-123, got %q", id)
	}
	if !r.Registry().Contains("MRN-123") {
		t.Error("provided id should be registered")
	}
}

func TestResolve_SynthesizedFormat(t *testing.T) {
	r := NewResolver(nil, WithPrefix("TEST"))

	id, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasPrefix(id, "TEST-") {
		t.Errorf("expected TEST- prefix, got %q", id)
	}
	// TEST- plus a canonical 36 character uuid
	if len(id) != len("TEST-")+36 {
		t.Errorf("unexpected id length %d: %q", len(id), id)
	}
}

func TestResolve_SameSeedSameSequence(t *testing.T) {
	r := NewResolver(nil)

	first := sequence(t, r, 42, 3)
	second := sequence(t, r, 42, 3)

	if !slices.Equal(first, second) {
		t.Errorf("sequences differ:\n%v\n%v", first, second)
	}

	other := sequence(t, r, 43, 3)
	if slices.Equal(first, other) {
		t.Error("different seeds should produce different sequences")
	}
}

func TestResolve_FiftyUnique(t *testing.T) {
	r := NewResolver(nil)
	r.Reset(nil)

	seen := make(map[string]bool)
	for range 50 {
		id, err := r.Resolve("")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if r.Registry().Len() != 50 {
		t.Errorf("expected 50 registered ids, got %d", r.Registry().Len())
	}
}

func TestResolve_ResetClearsRegistry(t *testing.T) {
	r := NewResolver(nil)
	if _, err := r.Resolve("A-1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	r.Reset(nil)

	if r.Registry().Len() != 0 {
		t.Errorf("expected empty registry after reset, got %d", r.Registry().Len())
	}
}

func TestResolve_CollisionExhaustsRetries(t *testing.T) {
	r := NewResolver(nil, WithEntropy(zeroReader{}), WithMaxRetries(4))

	if _, err := r.Resolve(""); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	_, err := r.Resolve("")
	var genErr *domain.IDGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected IDGenerationError, got %v", err)
	}
	if genErr.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", genErr.Attempts)
	}
}
