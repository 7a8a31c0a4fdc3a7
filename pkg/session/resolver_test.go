package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/pkg/params"
)

func TestHash_DeterministicUnderOrdering(t *testing.T) {
	a := params.CoreParams{
		Tree:       "OTT-2024",
		Resolution: 4,
		Country:    []string{"US", "CA"},
		Polygon:    map[string]any{"type": "Polygon", "coordinates": []any{}},
	}
	b := params.CoreParams{
		Tree:       "OTT-2024",
		Resolution: 4,
		Country:    []string{"CA", "US"}, // reordered
		Polygon:    map[string]any{"coordinates": []any{}, "type": "Polygon"},
	}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash(a) error: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash(b) error: %v", err)
	}
	if ha != hb {
		t.Fatalf("hash not order-insensitive: %s != %s", ha, hb)
	}
}

func TestHash_SensitiveToCoreChanges(t *testing.T) {
	base := params.CoreParams{Tree: "OTT-2024", Resolution: 4, Country: []string{"US"}}

	h0, err := Hash(base)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}

	variants := []params.CoreParams{
		{Tree: "OTT-2023", Resolution: 4, Country: []string{"US"}},
		{Tree: "OTT-2024", Resolution: 5, Country: []string{"US"}},
		{Tree: "OTT-2024", Resolution: 4, Country: []string{"US", "CA"}},
	}
	for i, v := range variants {
		h, err := Hash(v)
		if err != nil {
			t.Fatalf("Hash(variant %d) error: %v", i, err)
		}
		if h == h0 {
			t.Fatalf("variant %d did not change the hash", i)
		}
	}
}

func TestHash_CountryCountFullWidth(t *testing.T) {
	lists := make([][]string, 0, 4)
	for _, n := range []int{0, 1, 255, 256} {
		l := make([]string, n)
		for i := range l {
			l[i] = fmt.Sprintf("C%03d", i)
		}
		lists = append(lists, l)
	}

	seen := make(map[string]int)
	for i, l := range lists {
		h, err := Hash(params.CoreParams{Tree: "OTT-2024", Resolution: 4, Country: l})
		if err != nil {
			t.Fatalf("Hash(%d countries) error: %v", len(l), err)
		}
		if prev, dup := seen[h]; dup {
			t.Fatalf("country lists %d and %d collide", prev, i)
		}
		seen[h] = i
	}
}

func TestResolve_CreatesDirIdempotently(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)
	core := params.CoreParams{Tree: "OTT-2024", Resolution: 4, Country: []string{"US"}}

	id1, dir1, err := r.Resolve(core)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	id2, dir2, err := r.Resolve(core)
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}

	if id1 != id2 || dir1 != dir2 {
		t.Fatalf("resolve not stable: (%s,%s) vs (%s,%s)", id1, dir1, id2, dir2)
	}
	if dir1 != filepath.Join(root, id1) {
		t.Fatalf("unexpected dir layout: %s", dir1)
	}
	if st, err := os.Stat(dir1); err != nil || !st.IsDir() {
		t.Fatalf("session dir not created: %v", err)
	}
}

func TestResolve_SurfacesResourceUnavailable(t *testing.T) {
	root := t.TempDir()
	// Make the root unwritable so MkdirAll fails.
	if err := os.Chmod(root, 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(root, 0755) })

	r := NewResolver(root)
	_, _, err := r.Resolve(params.CoreParams{Tree: "T", Resolution: 1, Country: []string{"US"}})
	if err == nil {
		t.Skip("running as root, permission errors are not enforced")
	}
	if apperrors.CodeOf(err) != apperrors.CodeResourceUnavailable {
		t.Fatalf("expected RESOURCE_UNAVAILABLE, got %s", apperrors.CodeOf(err))
	}
}
