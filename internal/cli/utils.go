// Package cli provides output helpers for the crowdwisdom command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/crowdwisdom/internal/batch"
	"github.com/hyperjump/crowdwisdom/internal/engine"
	"github.com/hyperjump/crowdwisdom/internal/templates"
	"github.com/hyperjump/crowdwisdom/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json"; anything else is an error.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteReport writes the best template of every cluster.
func WriteReport(w io.Writer, report []*templates.ClusterReport, format OutputFormat) error {
	if format == OutputJSON {
		if report == nil {
			report = []*templates.ClusterReport{}
		}
		return writeJSON(w, report)
	}
	if len(report) == 0 {
		fmt.Fprintln(w, "No clusters with templates yet.")
		return nil
	}
	fmt.Fprintf(w, "\nBest template per cluster (%d clusters)\n\n", len(report))
	for _, r := range report {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		trust := "local"
		if r.Trusted {
			trust = "trusted"
		}
		fmt.Fprintf(w, "Cluster: %s [%s, %s]\n", r.ClusterID, r.Provenance, trust)
		fmt.Fprintf(w, "Template: %s | Topic: %s\n", r.TemplateID, TruncateWords(r.Topic, 8))
		fmt.Fprintf(w, "Usages: %d | Avg feedback: %.2f | Score: %.3f\n", r.UsageCount, r.AvgFeedback, r.WeightedScore)
	}
	fmt.Fprintln(w)
	return nil
}

// WriteBackfill writes the outcome of an embedding backfill pass.
func WriteBackfill(w io.Writer, res *engine.BackfillResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "Scanned %d interactions: %d embedded, %d clustered, %d skipped, %d failed\n",
		res.Scanned, res.Embedded, res.Clustered, res.Skipped, res.Failed)
	return nil
}

// WriteBatchStatus writes the state of the re-clustering job.
func WriteBatchStatus(w io.Writer, st batch.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Re-clustering: %s (last outcome: %s, runs: %d)\n", st.State, st.LastOutcome, st.Runs)
	if st.StartedAt != nil && st.FinishedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", st.FinishedAt.Sub(*st.StartedAt).Round(time.Millisecond))
	}
	if st.ManifestVersion != "" {
		fmt.Fprintf(w, "Manifest: %s\n", st.ManifestVersion)
	}
	if r := st.LastResult; r != nil {
		fmt.Fprintf(w, "Clusters: %d upserted, %d superseded | Templates detached: %d | Interactions: %d rewritten, %d noise\n",
			r.ClustersUpserted, r.ClustersSuperseded, r.TemplatesDetached, r.InteractionsRewritten, r.InteractionsNoise)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Error: %s\n", utils.Truncate(st.LastError, 300))
	}
	return nil
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
