// Package session maps a job's cache-relevant parameters to a stable,
// content-addressed working directory shared by every job that hashes
// identically. The external engine resumes from a previously used
// directory when early-stage inputs are unchanged.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/pkg/params"
)

// Resolver derives session ids and materializes their working directories
// under a single managed root.
type Resolver struct {
	root string
}

func NewResolver(root string) *Resolver {
	return &Resolver{root: strings.TrimSpace(root)}
}

// Root returns the managed session root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Dir returns the working directory path for a session id.
func (r *Resolver) Dir(sessionID string) string {
	return filepath.Join(r.root, sessionID)
}

// Resolve derives the session id for the given core parameters and ensures
// its working directory exists. Directory creation failures surface as
// ResourceUnavailable before any process is spawned.
func (r *Resolver) Resolve(core params.CoreParams) (string, string, error) {
	if r.root == "" {
		return "", "", apperrors.New(apperrors.CodeResourceUnavailable, "session root is not configured")
	}

	id, err := Hash(core)
	if err != nil {
		return "", "", err
	}

	dir := r.Dir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "create session working directory")
	}
	return id, dir, nil
}

// Hash computes the session id: a sha256 over a canonical, length-prefixed
// serialization of exactly the cache-relevant fields. Map key order and
// country-list order do not affect the result.
//
// The polygon geometry is hashed from its canonical JSON (sorted keys) but
// is otherwise taken as submitted: coordinate ordering or float precision
// differences between logically identical polygons produce different
// session ids and miss the cache. Accepted limitation.
func Hash(core params.CoreParams) (string, error) {
	h := sha256.New()

	writeField := func(data []byte) {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(data)))
		h.Write(l[:])
		h.Write(data)
	}

	writeField([]byte(core.Tree))
	writeField([]byte(strconv.Itoa(core.Resolution)))

	countries := make([]string, 0, len(core.Country))
	for _, c := range core.Country {
		countries = append(countries, strings.ToUpper(strings.TrimSpace(c)))
	}
	sort.Strings(countries)
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(countries)))
	h.Write(count[:])
	for _, c := range countries {
		writeField([]byte(c))
	}

	polygon, err := core.PolygonJSON()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, err, "canonicalize polygon")
	}
	writeField(polygon)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// LastTouched reports the working directory's modification time, the
// recency signal the garbage collector sweeps on.
func (r *Resolver) LastTouched(sessionID string) (os.FileInfo, error) {
	st, err := os.Stat(r.Dir(sessionID))
	if err != nil {
		return nil, fmt.Errorf("stat session dir: %w", err)
	}
	return st, nil
}
