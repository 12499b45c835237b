package reuse

import (
	"encoding/json"
	"math"

	"gorm.io/datatypes"
)

// Cosine returns 0 for mismatched or zero-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Hybrid fuses semantic and keyword similarity. Items the keyword index did
// not hit are scored on cosine alone.
func Hybrid(cos, keyword float64, keywordHit bool, semanticWeight, keywordWeight float64) float64 {
	if !keywordHit {
		return cos
	}
	total := semanticWeight + keywordWeight
	if total <= 0 {
		return cos
	}
	return (semanticWeight*cos + keywordWeight*keyword) / total
}

// Reliability scales similarity by proven track record. It is 0.85 for an
// unused item and approaches 1.15 for an item with many successful uses, so
// it is monotonically non-decreasing in both usage and success rate.
func Reliability(usage int64, successRate float64) float64 {
	if usage < 0 {
		usage = 0
	}
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	confidence := float64(usage) / float64(usage+5)
	return 0.85 + 0.30*successRate*confidence
}

func EncodeEmbedding(v []float32) datatypes.JSON {
	if v == nil {
		v = []float32{}
	}
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}

func DecodeEmbedding(raw datatypes.JSON) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var v []float32
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
