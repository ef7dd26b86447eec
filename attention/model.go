package attention

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/attnlab/hiertrain/corpus"
)

// Config describes the model architecture. Vocabulary sizes exclude the
// sos/eos markers, which the decoders append internally. Zero-valued size
// fields fall back to defaults.
type Config struct {
	NumClasses    int // word vocabulary size
	NumClassesSub int // character vocabulary size
	InputDim      int // feature dim after splicing and stacking

	EmbeddingDim int
	EncNumUnits  int
	DecNumUnits  int
	AttDim       int

	// Nested enables word-over-character attention with a learned gate
	// (model_type nested_attention). Off, the two decoders share only the
	// encoder (hierarchical_attention).
	Nested bool

	MainLossWeight float64 // word-loss weight; the char loss gets 1-this
	WeightNoiseStd float64 // stddev of Gaussian weight noise once enabled
	Seed           int64
}

func (c Config) withDefaults() Config {
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = 32
	}
	if c.EncNumUnits == 0 {
		c.EncNumUnits = 64
	}
	if c.DecNumUnits == 0 {
		c.DecNumUnits = 64
	}
	if c.AttDim == 0 {
		c.AttDim = 32
	}
	if c.MainLossWeight == 0 {
		c.MainLossWeight = 0.8
	}
	return c
}

// Model holds the parameters of the hierarchical attention network and the
// training lifecycle state. It is not safe for concurrent use.
type Model struct {
	cfg    Config
	names  []string // deterministic parameter order
	params map[string][][]*node

	rng         *rand.Rand
	training    bool
	weightNoise bool
}

// New builds a model with Xavier-initialized weights and zero biases.
func New(cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if cfg.NumClasses <= 0 || cfg.NumClassesSub <= 0 {
		return nil, fmt.Errorf("vocabulary sizes must be positive, got %d/%d",
			cfg.NumClasses, cfg.NumClassesSub)
	}
	if cfg.InputDim <= 0 {
		return nil, fmt.Errorf("input dim must be positive, got %d", cfg.InputDim)
	}
	if cfg.MainLossWeight < 0 || cfg.MainLossWeight > 1 {
		return nil, fmt.Errorf("main loss weight must be in [0, 1], got %g", cfg.MainLossWeight)
	}

	m := &Model{
		cfg:      cfg,
		params:   make(map[string][][]*node),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		training: true,
	}

	e, d, a := cfg.EncNumUnits, cfg.DecNumUnits, cfg.AttDim
	emb := cfg.EmbeddingDim
	vw := cfg.NumClasses + 2    // + sos, eos
	vc := cfg.NumClassesSub + 2

	m.addParam("enc.w_in", e, cfg.InputDim)
	m.addParam("enc.w_rec", e, e)
	m.addBias("enc.b", e)

	for _, dec := range []struct {
		prefix string
		vocab  int
	}{{"wdec", vw}, {"cdec", vc}} {
		m.addParam(dec.prefix+".embed", dec.vocab, emb)
		m.addParam(dec.prefix+".w_x", d, emb)
		m.addParam(dec.prefix+".w_c", d, e)
		m.addParam(dec.prefix+".w_h", d, d)
		m.addBias(dec.prefix+".b", d)
		m.addParam(dec.prefix+".att.w_q", a, d)
		m.addParam(dec.prefix+".att.w_k", a, e)
		m.addBias(dec.prefix+".att.b", a)
		m.addParam(dec.prefix+".att.v", 1, a)
		m.addParam(dec.prefix+".w_out", dec.vocab, d+e)
		m.addBias(dec.prefix+".b_out", dec.vocab)
	}

	if cfg.Nested {
		m.addParam("wdec.att2.w_q", a, d)
		m.addParam("wdec.att2.w_k", a, d)
		m.addBias("wdec.att2.b", a)
		m.addParam("wdec.att2.v", 1, a)
		m.addParam("wdec.proj", e, d)
		m.addParam("wdec.gate.w", e, 2*e)
		m.addBias("wdec.gate.b", e)
	}
	return m, nil
}

func (m *Model) addParam(name string, rows, cols int) {
	scale := math.Sqrt(6.0 / float64(rows+cols))
	p := make([][]*node, rows)
	for i := range p {
		row := make([]*node, cols)
		for j := range row {
			row[j] = lit((m.rng.Float64()*2 - 1) * scale)
		}
		p[i] = row
	}
	m.params[name] = p
	m.names = append(m.names, name)
}

func (m *Model) addBias(name string, n int) {
	p := [][]*node{zeros(n)}
	m.params[name] = p
	m.names = append(m.names, name)
}

func (m *Model) mat(name string) [][]*node { return m.params[name] }
func (m *Model) vec(name string) []*node   { return m.params[name][0] }

// Config returns the architecture the model was built with.
func (m *Model) Config() Config { return m.cfg }

// SetTraining switches between training and evaluation mode. Gradient
// computation and weight-noise injection only happen in training mode.
func (m *Model) SetTraining(on bool) { m.training = on }

// Training reports the current mode.
func (m *Model) Training() bool { return m.training }

// EnableWeightNoise turns on Gaussian weight-noise injection for subsequent
// training steps. The driver enables it once the learning rate has decayed
// below its initial value.
func (m *Model) EnableWeightNoise() { m.weightNoise = true }

// WeightNoiseEnabled reports whether noise injection is active.
func (m *Model) WeightNoiseEnabled() bool { return m.weightNoise }

// decoder bundles one decoder's parameter views.
type decoder struct {
	embed              [][]*node
	wX, wC, wH         [][]*node
	b                  []*node
	attWQ, attWK       [][]*node
	attB, attV         []*node
	wOut               [][]*node
	bOut               []*node
	sos, eos, numUnits int
}

func (m *Model) wordDecoder() decoder {
	return decoder{
		embed: m.mat("wdec.embed"),
		wX:    m.mat("wdec.w_x"), wC: m.mat("wdec.w_c"), wH: m.mat("wdec.w_h"),
		b:     m.vec("wdec.b"),
		attWQ: m.mat("wdec.att.w_q"), attWK: m.mat("wdec.att.w_k"),
		attB: m.vec("wdec.att.b"), attV: m.vec("wdec.att.v"),
		wOut: m.mat("wdec.w_out"), bOut: m.vec("wdec.b_out"),
		sos: m.cfg.NumClasses, eos: m.cfg.NumClasses + 1,
		numUnits: m.cfg.DecNumUnits,
	}
}

func (m *Model) charDecoder() decoder {
	return decoder{
		embed: m.mat("cdec.embed"),
		wX:    m.mat("cdec.w_x"), wC: m.mat("cdec.w_c"), wH: m.mat("cdec.w_h"),
		b:     m.vec("cdec.b"),
		attWQ: m.mat("cdec.att.w_q"), attWK: m.mat("cdec.att.w_k"),
		attB: m.vec("cdec.att.b"), attV: m.vec("cdec.att.v"),
		wOut: m.mat("cdec.w_out"), bOut: m.vec("cdec.b_out"),
		sos: m.cfg.NumClassesSub, eos: m.cfg.NumClassesSub + 1,
		numUnits: m.cfg.DecNumUnits,
	}
}

// encode runs the recurrent encoder over the utterance's valid frames.
func (m *Model) encode(frames [][]float32) ([][]*node, error) {
	wIn, wRec, b := m.mat("enc.w_in"), m.mat("enc.w_rec"), m.vec("enc.b")
	h := zeros(m.cfg.EncNumUnits)
	hs := make([][]*node, 0, len(frames))
	for t, frame := range frames {
		if len(frame) != m.cfg.InputDim {
			return nil, fmt.Errorf("frame %d has dim %d, model wants %d", t, len(frame), m.cfg.InputDim)
		}
		pre := addVec(matVec(wIn, litVec(frame), b), matVec(wRec, h, nil))
		h = tanhVec(pre)
		hs = append(hs, h)
	}
	return hs, nil
}

// projectKeys precomputes W_k*h_t for every encoder (or char-decoder) state,
// shared across decoding steps.
func projectKeys(states [][]*node, wk [][]*node) [][]*node {
	keys := make([][]*node, len(states))
	for t, s := range states {
		keys[t] = matVec(wk, s, nil)
	}
	return keys
}

// attend scores state s against every key, returning the softmax-weighted
// context over values and the attention distribution.
func attend(s []*node, values, keys [][]*node, wq [][]*node, ab, av []*node) (ctx, alpha []*node) {
	q := matVec(wq, s, nil)
	scores := make([]*node, len(values))
	for t := range values {
		e := tanhVec(addVec(addVec(q, keys[t]), ab))
		scores[t] = dot(av, e)
	}
	alpha = softmax(scores)
	dim := len(values[0])
	ctx = make([]*node, dim)
	for d := 0; d < dim; d++ {
		terms := make([]*node, len(values))
		for t := range values {
			terms[t] = alpha[t].mul(values[t][d])
		}
		ctx[d] = sum(terms)
	}
	return ctx, alpha
}

// step advances one decoder step: state update from the previous token
// embedding, previous state and previous context, then attention over hs.
func (dec decoder) step(yPrev int, sPrev, cPrev []*node, values, keys [][]*node) (s, ctx, alpha []*node) {
	e := dec.embed[yPrev]
	pre := matVec(dec.wX, e, dec.b)
	pre = addVec(pre, matVec(dec.wC, cPrev, nil))
	pre = addVec(pre, matVec(dec.wH, sPrev, nil))
	s = tanhVec(pre)
	ctx, alpha = attend(s, values, keys, dec.attWQ, dec.attB, dec.attV)
	return s, ctx, alpha
}

// nestedContext fuses the acoustic context with a second context attended
// over the character decoder states, through an elementwise sigmoid gate.
func (m *Model) nestedContext(s, acousticCtx []*node, charStates, charKeys [][]*node) (fused, gate []*node, beta []*node) {
	ctx2, beta := attend(s, charStates, charKeys, m.mat("wdec.att2.w_q"), m.vec("wdec.att2.b"), m.vec("wdec.att2.v"))
	proj := matVec(m.mat("wdec.proj"), ctx2, nil)
	gate = sigmoidVec(matVec(m.mat("wdec.gate.w"), concat(acousticCtx, proj), m.vec("wdec.gate.b")))
	fused = make([]*node, len(acousticCtx))
	one := lit(1)
	for i := range fused {
		fused[i] = gate[i].mul(acousticCtx[i]).add(one.sub(gate[i]).mul(proj[i]))
	}
	return fused, gate, beta
}

// utteranceLoss is the teacher-forced cross entropy of one utterance:
// MainLossWeight times the word loss plus the remainder times the char loss.
// The character pass runs first so the nested word pass can attend over its
// states.
func (m *Model) utteranceLoss(frames [][]float32, words, chars []int) (*node, error) {
	hs, err := m.encode(frames)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, fmt.Errorf("utterance has no frames")
	}

	cdec := m.charDecoder()
	charKeys := projectKeys(hs, cdec.attWK)
	charTargets := append(append([]int{}, chars...), cdec.eos)
	s := zeros(cdec.numUnits)
	ctx := zeros(m.cfg.EncNumUnits)
	charStates := make([][]*node, 0, len(charTargets))
	charLosses := make([]*node, len(charTargets))
	yPrev := cdec.sos
	for j, target := range charTargets {
		s, ctx, _ = cdec.step(yPrev, s, ctx, hs, charKeys)
		charStates = append(charStates, s)
		logits := matVec(cdec.wOut, concat(s, ctx), cdec.bOut)
		charLosses[j] = crossEntropy(softmax(logits), target)
		yPrev = target
	}
	charLoss := sum(charLosses).mul(lit(1 / float64(len(charTargets))))

	wdec := m.wordDecoder()
	wordKeys := projectKeys(hs, wdec.attWK)
	var nestedKeys [][]*node
	if m.cfg.Nested {
		nestedKeys = projectKeys(charStates, m.mat("wdec.att2.w_k"))
	}
	wordTargets := append(append([]int{}, words...), wdec.eos)
	s = zeros(wdec.numUnits)
	ctx = zeros(m.cfg.EncNumUnits)
	wordLosses := make([]*node, len(wordTargets))
	yPrev = wdec.sos
	for i, target := range wordTargets {
		var acoustic []*node
		s, acoustic, _ = wdec.step(yPrev, s, ctx, hs, wordKeys)
		ctx = acoustic
		out := acoustic
		if m.cfg.Nested {
			out, _, _ = m.nestedContext(s, acoustic, charStates, nestedKeys)
		}
		logits := matVec(wdec.wOut, concat(s, out), wdec.bOut)
		wordLosses[i] = crossEntropy(softmax(logits), target)
		yPrev = target
	}
	wordLoss := sum(wordLosses).mul(lit(1 / float64(len(wordTargets))))

	w := m.cfg.MainLossWeight
	return lit(w).mul(wordLoss).add(lit(1 - w).mul(charLoss)), nil
}

func (m *Model) batchLoss(b *corpus.Batch) (*node, error) {
	if b == nil || b.B == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	losses := make([]*node, b.B)
	for i := 0; i < b.B; i++ {
		loss, err := m.utteranceLoss(b.Utterance(i), b.Words[i], b.Chars[i])
		if err != nil {
			return nil, fmt.Errorf("utterance %s: %w", b.Names[i], err)
		}
		losses[i] = loss
	}
	return sum(losses).mul(lit(1 / float64(b.B))), nil
}

// Loss computes the mean batch loss without touching gradients. Usable in
// either mode; the dev-loss probe calls it in evaluation mode.
func (m *Model) Loss(b *corpus.Batch) (float64, error) {
	loss, err := m.batchLoss(b)
	if err != nil {
		return 0, err
	}
	return loss.data, nil
}

// ComputeGradients runs forward and backward over the batch, accumulating
// parameter gradients. The model must be in training mode. With weight noise
// enabled, parameters are perturbed for the forward/backward pass and
// restored afterwards; the gradients keep the noisy evaluation point.
func (m *Model) ComputeGradients(b *corpus.Batch) (float64, error) {
	if !m.training {
		return 0, fmt.Errorf("model is in evaluation mode")
	}
	var saved []float64
	if m.weightNoise && m.cfg.WeightNoiseStd > 0 {
		saved = make([]float64, 0, m.NumParams())
		for _, p := range m.flatParams() {
			saved = append(saved, p.data)
			p.data += m.rng.NormFloat64() * m.cfg.WeightNoiseStd
		}
	}
	loss, err := m.batchLoss(b)
	if err == nil {
		backward(loss)
	}
	if saved != nil {
		for i, p := range m.flatParams() {
			p.data = saved[i]
		}
	}
	if err != nil {
		return 0, err
	}
	return loss.data, nil
}

// flatParams returns every parameter scalar in deterministic order.
func (m *Model) flatParams() []*node {
	var out []*node
	for _, name := range m.names {
		for _, row := range m.params[name] {
			out = append(out, row...)
		}
	}
	return out
}

// Clone deep-copies the parameters into an independent model. Gradients are
// not carried over. The driver snapshots the best model this way.
func (m *Model) Clone() *Model {
	c := &Model{
		cfg:         m.cfg,
		names:       append([]string{}, m.names...),
		params:      make(map[string][][]*node, len(m.params)),
		rng:         rand.New(rand.NewSource(m.cfg.Seed)),
		training:    m.training,
		weightNoise: m.weightNoise,
	}
	for name, p := range m.params {
		cp := make([][]*node, len(p))
		for i, row := range p {
			cr := make([]*node, len(row))
			for j, n := range row {
				cr[j] = lit(n.data)
			}
			cp[i] = cr
		}
		c.params[name] = cp
	}
	return c
}

// NumParams is the total parameter count.
func (m *Model) NumParams() int {
	total := 0
	for _, p := range m.params {
		for _, row := range p {
			total += len(row)
		}
	}
	return total
}

// ParamCounts groups parameter counts by top-level module (enc, wdec, cdec),
// sorted keys for stable reporting.
func (m *Model) ParamCounts() ([]string, map[string]int) {
	counts := make(map[string]int)
	for name, p := range m.params {
		module := name
		if i := strings.IndexByte(name, '.'); i >= 0 {
			module = name[:i]
		}
		for _, row := range p {
			counts[module] += len(row)
		}
	}
	modules := make([]string, 0, len(counts))
	for mod := range counts {
		modules = append(modules, mod)
	}
	sort.Strings(modules)
	return modules, counts
}

// Params returns flattened copies of every parameter group, keyed by name.
func (m *Model) Params() map[string][]float64 {
	return m.snapshot(func(n *node) float64 { return n.data })
}

// Grads returns flattened copies of the current gradients, keyed by name.
func (m *Model) Grads() map[string][]float64 {
	return m.snapshot(func(n *node) float64 { return n.grad })
}

func (m *Model) snapshot(get func(*node) float64) map[string][]float64 {
	out := make(map[string][]float64, len(m.params))
	for name, p := range m.params {
		var flat []float64
		for _, row := range p {
			for _, n := range row {
				flat = append(flat, get(n))
			}
		}
		out[name] = flat
	}
	return out
}
