package viz

import (
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// LossPoint is one probe of the training and dev losses at a global step.
type LossPoint struct {
	Step  int
	Train float64
	Dev   float64
}

// SaveLossCurve plots the training loss (blue) and dev loss (red) against
// the global step and writes the figure to path.
func SaveLossCurve(points []LossPoint, path string) error {
	p := plot.New()
	p.Title.Text = "cross-entropy loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	train := make(plotter.XYs, len(points))
	dev := make(plotter.XYs, len(points))
	for i, pt := range points {
		train[i] = plotter.XY{X: float64(pt.Step), Y: pt.Train}
		dev[i] = plotter.XY{X: float64(pt.Step), Y: pt.Dev}
	}

	tl, err := plotter.NewLine(train)
	if err != nil {
		return err
	}
	tl.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	tl.Width = vg.Points(1.2)
	p.Add(tl)
	p.Legend.Add("train", tl)

	dl, err := plotter.NewLine(dev)
	if err != nil {
		return err
	}
	dl.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	dl.Width = vg.Points(1.2)
	p.Add(dl)
	p.Legend.Add("dev", dl)

	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
