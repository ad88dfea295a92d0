package vector

import (
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 0}, []float32{5, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunningMean(t *testing.T) {
	c := []float32{1, 0}
	got, err := RunningMean(c, 1, []float32{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0.5 || got[1] != 0.5 {
		t.Errorf("got %v", got)
	}
	if c[0] != 1 {
		t.Error("input centroid was mutated")
	}
	got, _ = RunningMean(got, 2, []float32{1, 1})
	want := Mean([][]float32{{1, 0}, {0, 1}, {1, 1}})
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("running mean %v diverges from batch mean %v", got, want)
		}
	}
	if _, err := RunningMean([]float32{1}, 1, []float32{1, 2}); err == nil {
		t.Error("expected dimension error")
	}
}

func TestEncodeDecode(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got := Decode(Encode(v))
	if len(got) != len(v) {
		t.Fatalf("len %d", len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("index %d: %v != %v", i, got[i], v[i])
		}
	}
	if Decode(nil) != nil || Encode(nil) != nil {
		t.Error("nil should stay nil")
	}
}
