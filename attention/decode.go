package attention

import (
	"fmt"

	"github.com/attnlab/hiertrain/corpus"
	"gonum.org/v1/gonum/mat"
)

// AttentionResult carries greedy-decode output for a batch. Hypotheses hold
// plain vocabulary ids (sos/eos stripped). Attention matrices are row-per-
// output-step, column-per-attended-position, each row a distribution summing
// to one:
//
//	AW    word step x encoder frame
//	AWSub char step x encoder frame
//	AWDec word step x char decoder step (nested models only)
//
// Gates holds the mean gate activation per word step (nested models only).
type AttentionResult struct {
	Words [][]int
	Chars [][]int
	AW    []*mat.Dense
	AWSub []*mat.Dense
	AWDec []*mat.Dense
	Gates [][]float64
}

// decodeState carries one decoder pass's outputs during greedy search.
type decodeState struct {
	hyp    []int
	states [][]*node // one per step taken, including the eos step
	alphas [][]float64
	gates  []float64
	betas  [][]float64
}

// greedyDecode runs width-1 decoding until eos or maxLen emitted tokens.
// The word pass passes charStates/charKeys for nested attention; the char
// pass leaves them nil.
func (m *Model) greedyDecode(dec decoder, hs, keys [][]*node, maxLen int, charStates, charKeys [][]*node) decodeState {
	var st decodeState
	s := zeros(dec.numUnits)
	ctx := zeros(m.cfg.EncNumUnits)
	yPrev := dec.sos
	for step := 0; step < maxLen+1; step++ {
		var acoustic []*node
		var alpha []*node
		s, acoustic, alpha = dec.step(yPrev, s, ctx, hs, keys)
		ctx = acoustic
		st.states = append(st.states, s)

		out := acoustic
		var gate, beta []*node
		if charStates != nil {
			out, gate, beta = m.nestedContext(s, acoustic, charStates, charKeys)
		}
		logits := matVec(dec.wOut, concat(s, out), dec.bOut)
		best := argmaxNode(logits)
		if best == dec.eos {
			break
		}
		if len(st.hyp) >= maxLen {
			break
		}
		st.hyp = append(st.hyp, best)
		st.alphas = append(st.alphas, nodeData(alpha))
		if gate != nil {
			st.gates = append(st.gates, meanData(gate))
			st.betas = append(st.betas, nodeData(beta))
		}
		yPrev = best
	}
	return st
}

// AttentionWeights greedy-decodes every utterance in the batch and collects
// the attention matrices. maxLen and maxLenSub cap the word and character
// hypothesis lengths. Evaluation mode is not required but decoding never
// touches gradients either way.
func (m *Model) AttentionWeights(b *corpus.Batch, maxLen, maxLenSub int) (*AttentionResult, error) {
	if b == nil || b.B == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if maxLen <= 0 || maxLenSub <= 0 {
		return nil, fmt.Errorf("decode length caps must be positive, got %d/%d", maxLen, maxLenSub)
	}
	res := &AttentionResult{
		Words: make([][]int, b.B),
		Chars: make([][]int, b.B),
		AW:    make([]*mat.Dense, b.B),
		AWSub: make([]*mat.Dense, b.B),
	}
	if m.cfg.Nested {
		res.AWDec = make([]*mat.Dense, b.B)
		res.Gates = make([][]float64, b.B)
	}

	for i := 0; i < b.B; i++ {
		hs, err := m.encode(b.Utterance(i))
		if err != nil {
			return nil, fmt.Errorf("utterance %s: %w", b.Names[i], err)
		}
		if len(hs) == 0 {
			return nil, fmt.Errorf("utterance %s has no frames", b.Names[i])
		}

		cdec := m.charDecoder()
		charSt := m.greedyDecode(cdec, hs, projectKeys(hs, cdec.attWK), maxLenSub, nil, nil)

		wdec := m.wordDecoder()
		var charStates, charKeys [][]*node
		if m.cfg.Nested {
			charStates = charSt.states
			charKeys = projectKeys(charStates, m.mat("wdec.att2.w_k"))
		}
		wordSt := m.greedyDecode(wdec, hs, projectKeys(hs, wdec.attWK), maxLen, charStates, charKeys)

		res.Words[i] = wordSt.hyp
		res.Chars[i] = charSt.hyp
		res.AW[i] = rowsToDense(wordSt.alphas, len(hs))
		res.AWSub[i] = rowsToDense(charSt.alphas, len(hs))
		if m.cfg.Nested {
			res.AWDec[i] = rowsToDense(wordSt.betas, len(charSt.states))
			res.Gates[i] = wordSt.gates
		}
	}
	return res, nil
}

// Decode returns greedy word hypotheses for the batch.
func (m *Model) Decode(b *corpus.Batch, maxLen int) ([][]int, error) {
	res, err := m.AttentionWeights(b, maxLen, maxLen)
	if err != nil {
		return nil, err
	}
	return res.Words, nil
}

// DecodeSub returns greedy character hypotheses for the batch.
func (m *Model) DecodeSub(b *corpus.Batch, maxLenSub int) ([][]int, error) {
	res, err := m.AttentionWeights(b, maxLenSub, maxLenSub)
	if err != nil {
		return nil, err
	}
	return res.Chars, nil
}

func argmaxNode(xs []*node) int {
	best := 0
	for i, x := range xs {
		if x.data > xs[best].data {
			best = i
		}
	}
	return best
}

func nodeData(xs []*node) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x.data
	}
	return out
}

func meanData(xs []*node) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x.data
	}
	return total / float64(len(xs))
}

// rowsToDense packs attention rows into a dense matrix with cols columns.
// Zero rows yield a 1x-cols zero matrix so downstream plotting has a shape
// to work with.
func rowsToDense(rows [][]float64, cols int) *mat.Dense {
	if cols <= 0 {
		cols = 1
	}
	if len(rows) == 0 {
		return mat.NewDense(1, cols, nil)
	}
	m := mat.NewDense(len(rows), cols, nil)
	for r, row := range rows {
		for c := 0; c < cols && c < len(row); c++ {
			m.Set(r, c, row[c])
		}
	}
	return m
}
