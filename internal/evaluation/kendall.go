package evaluation

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// RankMatrix aligns rankings on the union of their documents. Row r holds the
// 1-based rank of each document in ranking r; a document missing from a
// ranking gets that ranking's length plus one. Columns follow the returned
// document order, which is sorted.
func RankMatrix(rankings [][]string) ([][]float64, []string) {
	union := make(map[string]struct{})
	for _, ranking := range rankings {
		for _, doc := range ranking {
			union[doc] = struct{}{}
		}
	}
	docs := make([]string, 0, len(union))
	for doc := range union {
		docs = append(docs, doc)
	}
	sort.Strings(docs)

	matrix := make([][]float64, len(rankings))
	for r, ranking := range rankings {
		pos := make(map[string]int, len(ranking))
		for i, doc := range ranking {
			if _, ok := pos[doc]; !ok {
				pos[doc] = i + 1
			}
		}
		missing := float64(len(ranking) + 1)
		row := make([]float64, len(docs))
		for c, doc := range docs {
			if rank, ok := pos[doc]; ok {
				row[c] = float64(rank)
			} else {
				row[c] = missing
			}
		}
		matrix[r] = row
	}
	return matrix, docs
}

// KendallW computes the coefficient of concordance of R rankings over N
// documents: W = 12·N·Var(column sums) / (R²·(N³−N)). Returns 0 when fewer
// than two documents or no rankings are given.
func KendallW(rankings [][]string) float64 {
	matrix, docs := RankMatrix(rankings)
	r := float64(len(matrix))
	n := float64(len(docs))

	denom := r * r * (n*n*n - n)
	if denom == 0 {
		return 0
	}

	sums := make([]float64, len(docs))
	for _, row := range matrix {
		for c, rank := range row {
			sums[c] += rank
		}
	}

	return 12 * n * stat.PopVariance(sums, nil) / denom
}
