package feed

import (
	"math"
	"time"

	db "github.com/Anaghar27/TopFeed/internal/storage"
	"github.com/Anaghar27/TopFeed/internal/top"
)

// DeriveUserVector builds the user's interest vector as the recency-weighted
// mean of the embeddings of their recent clicks, L2-normalized. Returns nil
// when no clicked item has a stored embedding, which callers treat as
// cold start.
func DeriveUserVector(clicks []db.ClickedItem, embeddings map[string][]float32, now time.Time, halfLifeDays float64) []float32 {
	var sum []float64

	var totalWeight float64

	for i := range clicks {
		emb, ok := embeddings[clicks[i].ItemID]
		if !ok || len(emb) == 0 {
			continue
		}

		if sum == nil {
			sum = make([]float64, len(emb))
		}

		if len(emb) != len(sum) {
			continue
		}

		w := top.DecayFactor(now.Sub(clicks[i].Timestamp), halfLifeDays)
		totalWeight += w

		for j, v := range emb {
			sum[j] += w * float64(v)
		}
	}

	if sum == nil || totalWeight == 0 {
		return nil
	}

	var norm float64

	for j := range sum {
		sum[j] /= totalWeight
		norm += sum[j] * sum[j]
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil
	}

	vector := make([]float32, len(sum))

	for j := range sum {
		vector[j] = float32(sum[j] / norm)
	}

	return vector
}
