package matcher

import (
	"sort"

	"extractflow/internal/runstore"
)

// Pair is one accepted match.
type Pair struct {
	Expected  runstore.ExpectedEntity
	Extracted runstore.ExtractionEntity
	Score     float64
}

// Result is the outcome of matching one run against its baseline.
type Result struct {
	MatchedCount       int
	UnmatchedExpected  []runstore.ExpectedEntity
	UnmatchedExtracted []runstore.ExtractionEntity
	Pairs              []Pair
}

type extractedItem struct {
	entity    runstore.ExtractionEntity
	identity  string
	canonical string
}

type expectedItem struct {
	entity    runstore.ExpectedEntity
	identity  string
	canonical string
}

type candidate struct {
	extracted int
	expected  int
	score     float64
}

// Match pairs extracted entities with expected ones. An empty baseline
// matches nothing and leaves every extracted entity unmatched.
func Match(extracted []runstore.ExtractionEntity, expected []runstore.ExpectedEntity) Result {
	n := newNormalizer()

	ext := make([]extractedItem, len(extracted))
	for i, e := range extracted {
		ext[i] = extractedItem{
			entity:    e,
			identity:  n.identity(e.Type, e.Name),
			canonical: n.canonical(e.Type, e.Name, e.Fields),
		}
	}
	sort.SliceStable(ext, func(i, j int) bool { return lessExtracted(ext[i], ext[j]) })

	exp := make([]expectedItem, len(expected))
	for i, e := range expected {
		exp[i] = expectedItem{
			entity:    e,
			identity:  n.identity(e.Type, e.Name),
			canonical: n.canonical(e.Type, e.Name, e.Fields),
		}
	}
	sort.SliceStable(exp, func(i, j int) bool { return exp[i].canonical < exp[j].canonical })

	byIdentity := make(map[string][]int, len(exp))
	for j, e := range exp {
		byIdentity[e.identity] = append(byIdentity[e.identity], j)
	}

	var candidates []candidate
	for i, e := range ext {
		for _, j := range byIdentity[e.identity] {
			candidates = append(candidates, candidate{
				extracted: i,
				expected:  j,
				score:     1 + n.fieldScore(exp[j].entity.Fields, e.entity.Fields),
			})
		}
	}
	// ext and exp are already in tie-break order, so their positions break ties.
	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.score != cb.score {
			return ca.score > cb.score
		}
		if ca.extracted != cb.extracted {
			return ca.extracted < cb.extracted
		}
		return ca.expected < cb.expected
	})

	usedExt := make([]bool, len(ext))
	usedExp := make([]bool, len(exp))
	var result Result
	for _, c := range candidates {
		if usedExt[c.extracted] || usedExp[c.expected] {
			continue
		}
		usedExt[c.extracted] = true
		usedExp[c.expected] = true
		result.Pairs = append(result.Pairs, Pair{
			Expected:  exp[c.expected].entity,
			Extracted: ext[c.extracted].entity,
			Score:     c.score,
		})
	}
	result.MatchedCount = len(result.Pairs)

	for i, used := range usedExt {
		if !used {
			result.UnmatchedExtracted = append(result.UnmatchedExtracted, ext[i].entity)
		}
	}
	for j, used := range usedExp {
		if !used {
			result.UnmatchedExpected = append(result.UnmatchedExpected, exp[j].entity)
		}
	}
	return result
}

// lessExtracted orders by entity_index with unindexed entities last, then by
// canonical content.
func lessExtracted(a, b extractedItem) bool {
	ai, bi := a.entity.EntityIndex, b.entity.EntityIndex
	switch {
	case ai != nil && bi != nil && *ai != *bi:
		return *ai < *bi
	case ai != nil && bi == nil:
		return true
	case ai == nil && bi != nil:
		return false
	}
	return a.canonical < b.canonical
}
