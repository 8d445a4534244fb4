// Package releasestore stores release artifacts under the deterministic
// naming scheme, keyed by content hash for idempotent publication.
package releasestore

import (
	"context"
	"io"

	"github.com/relgrid/relgrid/internal/platform"
)

// Artifact describes one packaged build output. Artifacts are immutable once
// produced; the content hash is the identity publication is keyed on.
type Artifact struct {
	Target      platform.Target `json:"target"`
	Product     string          `json:"product"`
	Version     string          `json:"version"`
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	ContentHash string          `json:"content_hash"`

	// Fingerprints of the resolved inputs the artifact was built from; the
	// releaser refuses to publish sets whose fingerprints differ.
	GraphFingerprint string `json:"graph_fingerprint"`
	PinsFingerprint  string `json:"pins_fingerprint"`
}

// Key returns the storage key an artifact publishes under, deterministic
// from (product, version, name).
func (a Artifact) Key() string {
	return a.Product + "/v" + a.Version + "/" + a.Name
}

// Store is a release store keyed by (artifact name, content hash). Put must
// be idempotent: storing the same content hash twice yields one stored
// object.
type Store interface {
	// Has reports whether the artifact is already stored with the same
	// content hash.
	Has(ctx context.Context, art Artifact) (bool, error)

	// Put uploads the artifact's content.
	Put(ctx context.Context, art Artifact, content io.Reader, size int64) error

	// List returns the artifacts stored for a product version.
	List(ctx context.Context, product, version string) ([]Artifact, error)
}
