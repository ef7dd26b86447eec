// Package attention implements the hierarchical attention encoder-decoder:
// a recurrent encoder over feature frames, a word-level and a character-level
// decoder each with additive attention over the encoder states, and an
// optional nested word-over-character attention with a learned gate. Training
// runs on a scalar reverse-mode autodiff graph, so gradients are exact for
// every architecture variant without per-layer backward code.
package attention

import "math"

// node is one scalar in the computation graph. src holds the operands this
// node was computed from and localGrad the partial derivative with respect
// to each, captured at forward time.
type node struct {
	data      float64
	grad      float64
	src       []*node
	localGrad []float64
}

// lit wraps a constant. Gradients still flow into it, but nothing reads them.
func lit(x float64) *node { return &node{data: x} }

func (a *node) add(b *node) *node {
	return &node{
		data:      a.data + b.data,
		src:       []*node{a, b},
		localGrad: []float64{1, 1},
	}
}

func (a *node) sub(b *node) *node {
	return &node{
		data:      a.data - b.data,
		src:       []*node{a, b},
		localGrad: []float64{1, -1},
	}
}

func (a *node) mul(b *node) *node {
	return &node{
		data:      a.data * b.data,
		src:       []*node{a, b},
		localGrad: []float64{b.data, a.data},
	}
}

func (a *node) div(b *node) *node {
	return &node{
		data:      a.data / b.data,
		src:       []*node{a, b},
		localGrad: []float64{1 / b.data, -a.data / (b.data * b.data)},
	}
}

func (a *node) neg() *node {
	return &node{
		data:      -a.data,
		src:       []*node{a},
		localGrad: []float64{-1},
	}
}

func (a *node) exp() *node {
	e := math.Exp(a.data)
	return &node{
		data:      e,
		src:       []*node{a},
		localGrad: []float64{e},
	}
}

func (a *node) log() *node {
	return &node{
		data:      math.Log(a.data),
		src:       []*node{a},
		localGrad: []float64{1 / a.data},
	}
}

func (a *node) tanh() *node {
	t := math.Tanh(a.data)
	return &node{
		data:      t,
		src:       []*node{a},
		localGrad: []float64{1 - t*t},
	}
}

func (a *node) sigmoid() *node {
	s := 1 / (1 + math.Exp(-a.data))
	return &node{
		data:      s,
		src:       []*node{a},
		localGrad: []float64{s * (1 - s)},
	}
}

// backward accumulates d(root)/d(n) into every reachable node's grad.
// Existing grads are added to, so the caller zeroes parameters between steps.
func backward(root *node) {
	var topo []*node
	visited := make(map[*node]bool)
	var build func(n *node)
	build = func(n *node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, s := range n.src {
			build(s)
		}
		topo = append(topo, n)
	}
	build(root)

	root.grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		for j, s := range n.src {
			s.grad += n.localGrad[j] * n.grad
		}
	}
}

// sum folds a slice of nodes into one.
func sum(xs []*node) *node {
	if len(xs) == 0 {
		return lit(0)
	}
	acc := xs[0]
	for _, x := range xs[1:] {
		acc = acc.add(x)
	}
	return acc
}

// dot is the inner product of equally sized vectors.
func dot(a, b []*node) *node {
	terms := make([]*node, len(a))
	for i := range a {
		terms[i] = a[i].mul(b[i])
	}
	return sum(terms)
}

// matVec computes W*x + b where W is [rows][cols]. A nil b skips the bias.
func matVec(w [][]*node, x, b []*node) []*node {
	out := make([]*node, len(w))
	for i, row := range w {
		out[i] = dot(row, x)
		if b != nil {
			out[i] = out[i].add(b[i])
		}
	}
	return out
}

// litVec wraps a float32 frame as literal nodes.
func litVec(xs []float32) []*node {
	out := make([]*node, len(xs))
	for i, x := range xs {
		out[i] = lit(float64(x))
	}
	return out
}

// zeros is a vector of fresh zero literals.
func zeros(n int) []*node {
	out := make([]*node, n)
	for i := range out {
		out[i] = lit(0)
	}
	return out
}

// addVec is elementwise addition.
func addVec(a, b []*node) []*node {
	out := make([]*node, len(a))
	for i := range a {
		out[i] = a[i].add(b[i])
	}
	return out
}

// concat joins vectors into one.
func concat(vs ...[]*node) []*node {
	var out []*node
	for _, v := range vs {
		out = append(out, v...)
	}
	return out
}

// tanhVec applies tanh elementwise.
func tanhVec(xs []*node) []*node {
	out := make([]*node, len(xs))
	for i, x := range xs {
		out[i] = x.tanh()
	}
	return out
}

// sigmoidVec applies sigmoid elementwise.
func sigmoidVec(xs []*node) []*node {
	out := make([]*node, len(xs))
	for i, x := range xs {
		out[i] = x.sigmoid()
	}
	return out
}

// softmax is numerically shifted by the running max. Constants do not carry
// gradients, so the shift leaves derivatives untouched.
func softmax(xs []*node) []*node {
	maxData := math.Inf(-1)
	for _, x := range xs {
		if x.data > maxData {
			maxData = x.data
		}
	}
	shift := lit(maxData)
	exps := make([]*node, len(xs))
	for i, x := range xs {
		exps[i] = x.sub(shift).exp()
	}
	total := sum(exps)
	out := make([]*node, len(xs))
	for i, e := range exps {
		out[i] = e.div(total)
	}
	return out
}

// crossEntropy is -log(p[target]), guarded against underflow.
func crossEntropy(probs []*node, target int) *node {
	return probs[target].add(lit(1e-12)).log().neg()
}
