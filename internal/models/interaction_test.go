package models

import (
	"errors"
	"testing"
)

func TestQueryInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   *QueryInput
		wantErr bool
	}{
		{"empty text", &QueryInput{Text: ""}, true},
		{"whitespace only", &QueryInput{Text: "   \t"}, true},
		{"valid", &QueryInput{Text: "what is recursion?", Topic: "cs"}, false},
		{"trims", &QueryInput{Text: "  closures  ", Topic: " js "}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "trims" && (tt.input.Text != "closures" || tt.input.Topic != "js") {
				t.Errorf("expected trimmed fields, got %q / %q", tt.input.Text, tt.input.Topic)
			}
		})
	}
}

func TestSoftSignal_ImpliedRating(t *testing.T) {
	tests := []struct {
		signal SoftSignal
		want   int
		ok     bool
	}{
		{SignalRegenerate, 1, true},
		{SignalFollowUpConfused, 2, true},
		{SignalFollowUpDeeper, 4, true},
		{SignalCopied, 4, true},
		{SignalNone, 0, false},
	}
	for _, tt := range tests {
		got, ok := tt.signal.ImpliedRating()
		if got != tt.want || ok != tt.ok {
			t.Errorf("%q.ImpliedRating() = %d, %v; want %d, %v", tt.signal, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseSoftSignal(t *testing.T) {
	if s, ok := ParseSoftSignal(" Regenerate "); !ok || s != SignalRegenerate {
		t.Errorf("got %q, %v", s, ok)
	}
	if _, ok := ParseSoftSignal("thumbs"); ok {
		t.Error("unknown signal should not parse")
	}
}

func TestProvenance_RoundTrip(t *testing.T) {
	for _, p := range []Provenance{Realtime(), Batch("2024-05-01"), Batch("")} {
		got, err := ParseProvenance(p.String())
		if err != nil {
			t.Fatalf("ParseProvenance(%q): %v", p.String(), err)
		}
		if got != p {
			t.Errorf("round trip %v -> %q -> %v", p, p.String(), got)
		}
	}
	if _, err := ParseProvenance("weekly"); err == nil {
		t.Error("expected error for unknown version")
	}
	if Realtime().TrustedForGlobal() {
		t.Error("realtime clusters should not be trusted")
	}
	if !Batch("v1").TrustedForGlobal() {
		t.Error("batch clusters should be trusted")
	}
}

func TestClusterManifest_Validate(t *testing.T) {
	c1 := "c1"
	missing := "c9"
	ok := &ClusterManifest{
		Version:     "v2",
		Clusters:    []ManifestCluster{{ID: "c1", Size: 1, Centroid: []float32{1, 0}}},
		Assignments: []ManifestAssignment{{InteractionID: "i1", ClusterID: &c1}, {InteractionID: "i2"}},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid manifest: %v", err)
	}
	bad := &ClusterManifest{
		Version:     "v2",
		Clusters:    []ManifestCluster{{ID: "c1", Centroid: []float32{1}}},
		Assignments: []ManifestAssignment{{InteractionID: "i1", ClusterID: &missing}},
	}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown cluster reference")
	}
	if err := (&ClusterManifest{}).Validate(); err == nil {
		t.Error("expected error for missing version")
	}
}

func TestTemplateInput_Validate(t *testing.T) {
	in := TemplateInput{Topic: " recursion ", Pattern: "trace the call stack"}
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}
	if in.Source != SourceCurated || in.Topic != "recursion" {
		t.Errorf("defaults not applied: %+v", in)
	}

	for _, bad := range []TemplateInput{
		{Pattern: "p"},
		{Topic: "t", Pattern: "   "},
		{Topic: "t", Pattern: "p", Source: "scraped"},
	} {
		if err := bad.Validate(); !errors.Is(err, ErrInvalidTemplate) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidTemplate", bad, err)
		}
	}
}
