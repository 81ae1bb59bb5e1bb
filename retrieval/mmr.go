package retrieval

import (
	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/vector"
)

// SelectMMR picks up to k chunks by maximal marginal relevance:
//
//	mmr = lambda*sim(query, cand) - (1-lambda)*max(sim(cand, selected))
//
// Relevance uses cosine similarity against the query embedding when the
// candidate carries one, otherwise its channel score. Ties resolve by the
// candidate's position in the incoming slice, so a deterministically ordered
// candidate pool yields a deterministic selection.
func SelectMMR(queryEmbedding []float32, candidates []document.Chunk, k int, lambda float32) []document.Chunk {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= k {
		out := make([]document.Chunk, len(candidates))
		copy(out, candidates)
		return out
	}

	relevance := make([]float32, len(candidates))
	for i, cand := range candidates {
		if len(cand.Embedding) > 0 && len(queryEmbedding) > 0 {
			relevance[i] = vector.CosineSimilarity(queryEmbedding, cand.Embedding)
		} else {
			relevance[i] = cand.Score()
		}
	}

	selected := make([]int, 0, k)
	remaining := make([]bool, len(candidates))
	for len(selected) < k {
		best := -1
		var bestScore float32
		for i := range candidates {
			if remaining[i] {
				continue
			}
			redundancy := float32(0)
			for _, s := range selected {
				sim := chunkSimilarity(candidates[i], candidates[s])
				if sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*relevance[i] - (1-lambda)*redundancy
			if best == -1 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		remaining[best] = true
		selected = append(selected, best)
	}

	out := make([]document.Chunk, 0, len(selected))
	for _, i := range selected {
		out = append(out, candidates[i])
	}
	return out
}

func chunkSimilarity(a, b document.Chunk) float32 {
	if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
		if a.ContentHash != "" && a.ContentHash == b.ContentHash {
			return 1
		}
		return 0
	}
	return vector.CosineSimilarity(a.Embedding, b.Embedding)
}
