// Package metrics provides speech-recognition accuracy measures: token-level
// edit distance, word and character error rates, and dataset-level
// evaluation driving greedy decoding over one full pass of a split.
package metrics

// EditDistance is the Levenshtein distance between two token sequences with
// unit insert/delete/substitute costs.
func EditDistance(ref, hyp []string) int {
	if len(ref) == 0 {
		return len(hyp)
	}
	if len(hyp) == 0 {
		return len(ref)
	}
	prev := make([]int, len(hyp)+1)
	curr := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		curr[0] = i
		for j := 1; j <= len(hyp); j++ {
			cost := 1
			if ref[i-1] == hyp[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(hyp)]
}

// ErrorRate normalizes the edit distance by the reference length. An empty
// reference scores 0 against an empty hypothesis and 1 otherwise.
func ErrorRate(ref, hyp []string) float64 {
	if len(ref) == 0 {
		if len(hyp) == 0 {
			return 0
		}
		return 1
	}
	return float64(EditDistance(ref, hyp)) / float64(len(ref))
}

// CharErrorRate compares two strings rune by rune.
func CharErrorRate(ref, hyp string) float64 {
	return ErrorRate(runes(ref), runes(hyp))
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
