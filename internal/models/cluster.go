package models

import (
	"fmt"
	"strings"
	"time"
)

// ProvenanceKind says how a cluster came to exist.
type ProvenanceKind int

const (
	// ProvenanceRealtime clusters are minted synchronously at query time.
	ProvenanceRealtime ProvenanceKind = iota
	// ProvenanceBatch clusters come from an offline re-clustering run.
	ProvenanceBatch
)

// Provenance is the tagged clustering version of a cluster: Realtime, or Batch(version).
type Provenance struct {
	Kind    ProvenanceKind
	Version string
}

// Realtime returns the provenance of a cluster created at query time.
func Realtime() Provenance { return Provenance{Kind: ProvenanceRealtime} }

// Batch returns the provenance of a cluster produced by batch run version.
func Batch(version string) Provenance { return Provenance{Kind: ProvenanceBatch, Version: version} }

// String renders the provenance in its stored form: "realtime" or "batch:<version>".
func (p Provenance) String() string {
	switch p.Kind {
	case ProvenanceBatch:
		if p.Version == "" {
			return "batch"
		}
		return "batch:" + p.Version
	default:
		return "realtime"
	}
}

// TrustedForGlobal reports whether clusters of this provenance have been
// reconciled by a batch pass.
func (p Provenance) TrustedForGlobal() bool {
	switch p.Kind {
	case ProvenanceBatch:
		return true
	case ProvenanceRealtime:
		return false
	default:
		return false
	}
}

// ParseProvenance parses the stored form written by Provenance.String.
func ParseProvenance(s string) (Provenance, error) {
	switch {
	case s == "realtime" || s == "":
		return Realtime(), nil
	case s == "batch":
		return Batch(""), nil
	case strings.HasPrefix(s, "batch:"):
		return Batch(strings.TrimPrefix(s, "batch:")), nil
	default:
		return Provenance{}, fmt.Errorf("unknown clustering version %q", s)
	}
}

// SemanticCluster is a region of embedding space. Clusters are never deleted;
// a newer batch run marks them superseded instead.
type SemanticCluster struct {
	ID                  string     `json:"id" db:"id"`
	Centroid            []float32  `json:"-" db:"centroid"`
	Size                int        `json:"size" db:"size"`
	RepresentativeQuery string     `json:"representative_query" db:"representative_query"`
	Provenance          Provenance `json:"-" db:"clustering_version"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	SupersededAt        *time.Time `json:"superseded_at,omitempty" db:"superseded_at"`
}

// Active reports whether the cluster belongs to the current clustering.
func (c *SemanticCluster) Active() bool {
	return c.SupersededAt == nil
}

// ClusterManifest is what the batch clustering process exports on success.
type ClusterManifest struct {
	Version        string               `json:"version"`
	EmbeddingModel string               `json:"embedding_model"`
	Clusters       []ManifestCluster    `json:"clusters"`
	Assignments    []ManifestAssignment `json:"assignments"`
}

// ManifestCluster is one cluster entry in a manifest.
type ManifestCluster struct {
	ID                  string    `json:"id"`
	Size                int       `json:"size"`
	RepresentativeQuery string    `json:"representative_query"`
	Centroid            []float32 `json:"centroid"`
}

// ManifestAssignment maps an interaction to its new cluster; a nil ClusterID marks noise.
type ManifestAssignment struct {
	InteractionID string  `json:"interaction_id"`
	ClusterID     *string `json:"cluster_id"`
}

// Validate checks that every assignment references a cluster listed in the manifest.
func (m *ClusterManifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest version is required")
	}
	known := make(map[string]struct{}, len(m.Clusters))
	for _, c := range m.Clusters {
		if c.ID == "" {
			return fmt.Errorf("manifest cluster without id")
		}
		if len(c.Centroid) == 0 {
			return fmt.Errorf("manifest cluster %s has no centroid", c.ID)
		}
		known[c.ID] = struct{}{}
	}
	for _, a := range m.Assignments {
		if a.ClusterID == nil {
			continue
		}
		if _, ok := known[*a.ClusterID]; !ok {
			return fmt.Errorf("assignment for %s references unknown cluster %s", a.InteractionID, *a.ClusterID)
		}
	}
	return nil
}
