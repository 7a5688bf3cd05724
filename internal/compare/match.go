package compare

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/oswin26/Invoice-AI/internal/invoice"
)

// matchedPair records one accepted pairing between line items of two
// invoices.
type matchedPair struct {
	a, b  int
	score float64
}

// diffLineItems matches the line items of two invoices and reports one
// entry per matched pair and per leftover item.
//
// Line items carry no stable key across documents, so matching is a
// two-pass heuristic: exact matches on the normalized description first,
// then greedy fuzzy matches on token overlap. Greedy acceptance (rather
// than a globally optimal bipartite matching) keeps tie-breaking easy to
// reason about: best score wins, ties go to the closest unit price, then
// to input order.
func diffLineItems(a, b Input, fuzzyThreshold float64, amountThreshold decimal.Decimal) []LineItemDiff {
	itemsA := a.Record.LineItems
	itemsB := b.Record.LineItems
	matchedA := make([]bool, len(itemsA))
	matchedB := make([]bool, len(itemsB))
	pairs := make([]matchedPair, 0)

	// Pass 1: exact match on the case-insensitive, whitespace-normalized
	// description.
	for ai, itemA := range itemsA {
		normA := normalizeDescription(itemA.Description)
		for bi, itemB := range itemsB {
			if matchedB[bi] || normA != normalizeDescription(itemB.Description) {
				continue
			}
			matchedA[ai] = true
			matchedB[bi] = true
			pairs = append(pairs, matchedPair{a: ai, b: bi, score: 1})
			break
		}
	}

	// Pass 2: greedy fuzzy match over the leftovers.
	pairs = append(pairs, fuzzyMatch(itemsA, itemsB, matchedA, matchedB, fuzzyThreshold)...)

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})

	diffs := make([]LineItemDiff, 0, len(pairs))
	for _, pair := range pairs {
		itemA, itemB := itemsA[pair.a], itemsB[pair.b]
		unitPriceDelta := itemB.UnitPrice.Sub(itemA.UnitPrice)
		lineTotalDelta := itemB.LineTotal.Sub(itemA.LineTotal)
		quantityDelta := itemB.Quantity.Sub(itemA.Quantity)

		severity := SeverityMinor
		if numericSeverity(unitPriceDelta, amountThreshold) == SeverityCritical ||
			numericSeverity(lineTotalDelta, amountThreshold) == SeverityCritical ||
			!quantityDelta.IsZero() {
			severity = SeverityCritical
		}

		diffs = append(diffs, LineItemDiff{
			Kind:           KindMatchedPair,
			InvoiceA:       a.ID,
			InvoiceB:       b.ID,
			DescriptionA:   itemA.Description,
			DescriptionB:   itemB.Description,
			QuantityDelta:  quantityDelta,
			UnitPriceDelta: unitPriceDelta,
			LineTotalDelta: lineTotalDelta,
			MatchScore:     pair.score,
			Severity:       severity,
		})
	}

	// Items unmatched after both passes.
	for ai, item := range itemsA {
		if matchedA[ai] {
			continue
		}
		diffs = append(diffs, LineItemDiff{
			Kind:         KindUnmatchedInA,
			InvoiceA:     a.ID,
			InvoiceB:     b.ID,
			DescriptionA: item.Description,
			Severity:     SeverityCritical,
		})
	}
	for bi, item := range itemsB {
		if matchedB[bi] {
			continue
		}
		diffs = append(diffs, LineItemDiff{
			Kind:         KindUnmatchedInB,
			InvoiceA:     a.ID,
			InvoiceB:     b.ID,
			DescriptionB: item.Description,
			Severity:     SeverityCritical,
		})
	}

	return diffs
}

// fuzzyCandidate is a potential pairing scored for greedy acceptance.
type fuzzyCandidate struct {
	a, b           int
	score          float64
	unitPriceDelta decimal.Decimal
}

// fuzzyMatch greedily pairs the remaining unmatched items by similarity
// score above the threshold. Candidates are ranked by score, then by the
// smallest unit-price difference, then by input order, so the result does
// not depend on map iteration or any other incidental ordering.
func fuzzyMatch(itemsA, itemsB []invoice.LineItem, matchedA, matchedB []bool, threshold float64) []matchedPair {
	candidates := make([]fuzzyCandidate, 0)
	for ai, itemA := range itemsA {
		if matchedA[ai] {
			continue
		}
		for bi, itemB := range itemsB {
			if matchedB[bi] {
				continue
			}
			score := similarity(itemA.Description, itemB.Description)
			if score < threshold {
				continue
			}
			candidates = append(candidates, fuzzyCandidate{
				a:              ai,
				b:              bi,
				score:          score,
				unitPriceDelta: itemB.UnitPrice.Sub(itemA.UnitPrice).Abs(),
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].unitPriceDelta.Equal(candidates[j].unitPriceDelta) {
			return candidates[i].unitPriceDelta.LessThan(candidates[j].unitPriceDelta)
		}
		if candidates[i].a != candidates[j].a {
			return candidates[i].a < candidates[j].a
		}
		return candidates[i].b < candidates[j].b
	})

	pairs := make([]matchedPair, 0)
	for _, c := range candidates {
		if matchedA[c.a] || matchedB[c.b] {
			continue
		}
		matchedA[c.a] = true
		matchedB[c.b] = true
		pairs = append(pairs, matchedPair{a: c.a, b: c.b, score: c.score})
	}
	return pairs
}

// similarity is the Sørensen–Dice coefficient over the unique normalized
// tokens of two descriptions: 2·|A∩B| / (|A|+|B|), in [0,1].
func similarity(a, b string) float64 {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	common := 0
	for token := range tokensA {
		if _, ok := tokensB[token]; ok {
			common++
		}
	}
	return 2 * float64(common) / float64(len(tokensA)+len(tokensB))
}

func tokenSet(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, token := range strings.Fields(strings.ToLower(s)) {
		tokens[strings.Trim(token, ".,;:()")] = struct{}{}
	}
	delete(tokens, "")
	return tokens
}
