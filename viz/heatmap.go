package viz

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
)

// matGrid adapts a mat.Matrix to the plotter.GridXYZ interface: matrix rows
// run along the plot's y axis, columns along x.
type matGrid struct{ m mat.Matrix }

func (g matGrid) Dims() (c, r int) {
	rows, cols := g.m.Dims()
	return cols, rows
}

func (g matGrid) Z(c, r int) float64 { return g.m.At(r, c) }
func (g matGrid) X(c int) float64    { return float64(c) }
func (g matGrid) Y(r int) float64    { return float64(r) }

// Truncate returns an independent copy of the leading rows x cols block of
// m. Requests beyond the matrix bounds are clamped, and at least one row
// and column are always kept.
func Truncate(m mat.Matrix, rows, cols int) *mat.Dense {
	r, c := m.Dims()
	if rows > r {
		rows = r
	}
	if cols > c {
		cols = c
	}
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	d, ok := m.(*mat.Dense)
	if !ok {
		d = mat.DenseCopyOf(m)
	}
	return mat.DenseCopyOf(d.Slice(0, rows, 0, cols))
}

// newHeatMap builds one heatmap panel over m.
func newHeatMap(m mat.Matrix, title, xLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Add(plotter.NewHeatMap(matGrid{m}, palette.Heat(255, 1)))
	return p
}

// tokenTicks labels one axis position per decoded token.
func tokenTicks(tokens []string) plot.ConstantTicks {
	ticks := make([]plot.Tick, len(tokens))
	for i, tok := range tokens {
		ticks[i] = plot.Tick{Value: float64(i), Label: tok}
	}
	return plot.ConstantTicks(ticks)
}
