package model

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// CosineSimilarity computes dot(a,b)/(|a|·|b|). It returns 0 when either
// vector is empty or all-zero, or when the lengths differ: vectors from
// different embedding spaces are never comparable.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	normA := float64(vek32.Dot(a, a))
	normB := float64(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := float64(vek32.Dot(a, b)) / (math.Sqrt(normA) * math.Sqrt(normB))
	// float32 accumulation can overshoot the closed interval by an ulp.
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
