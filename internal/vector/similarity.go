// Package vector provides similarity helpers and an in-memory centroid index.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Cosine returns dot(a,b) / (|a|*|b|). Mismatched lengths or a zero vector give 0.
// Centroids drift off the unit sphere as running means, so the norms are never assumed.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return InnerProduct(a, b) / (na * nb)
}

// RunningMean folds x into a centroid that currently averages n vectors and
// returns the new centroid of n+1 vectors. The input centroid is not modified.
func RunningMean(centroid []float32, n int, x []float32) ([]float32, error) {
	if len(centroid) != len(x) {
		return nil, fmt.Errorf("dimension mismatch: centroid %d, vector %d", len(centroid), len(x))
	}
	if n < 0 {
		n = 0
	}
	out := make([]float32, len(centroid))
	total := float64(n + 1)
	for i := range centroid {
		out[i] = float32((float64(centroid[i])*float64(n) + float64(x[i])) / total)
	}
	return out, nil
}

// Mean returns the element-wise mean of vecs, or nil when vecs is empty.
func Mean(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(len(vecs)))
	}
	return out
}

// Encode serializes a vector as little-endian float32 bytes for BLOB storage.
func Encode(s []float32) []byte {
	if s == nil {
		return nil
	}
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

// Decode is the inverse of Encode. A nil or empty blob decodes to nil.
func Decode(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
