// Package viz renders the loss curves and attention figures written into
// each run directory.
package viz

import (
	"fmt"
	"image/color"
	"os"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// SaveHierarchical writes the three-panel attention figure for one
// utterance: word-level attention on top, character-level attention in the
// middle and the input features at the bottom, all sharing the frame axis.
// aw and awSub carry one row per decoded token and one column per input
// frame. feats carries one row per frame, as produced by Batch.Spectrogram,
// and is transposed for display.
func SaveHierarchical(aw, awSub, feats mat.Matrix, words, chars []string, path string) error {
	wordPanel := newHeatMap(aw, "word attention", "")
	wordPanel.Y.Tick.Marker = tokenTicks(words)

	charPanel := newHeatMap(awSub, "character attention", "")
	charPanel.Y.Tick.Marker = tokenTicks(chars)

	featPanel := newHeatMap(feats.T(), "input features", "frame")
	featPanel.Y.Label.Text = "channel"

	plots := [][]*plot.Plot{{wordPanel}, {charPanel}, {featPanel}}
	return savePanels(plots, 16*vg.Inch, 10*vg.Inch, path)
}

// SaveWordToChar writes the word-over-character attention: one row per
// decoded word, one column per decoded character state.
func SaveWordToChar(awDec mat.Matrix, words, chars []string, path string) error {
	p := newHeatMap(awDec, "word over character attention", "")
	p.Y.Tick.Marker = tokenTicks(words)
	p.X.Tick.Marker = tokenTicks(chars)
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}

// SaveGates plots the mean fusion gate per decoded word. Values near one
// weight the acoustic context, values near zero the character context.
func SaveGates(gates []float64, words []string, path string) error {
	p := plot.New()
	p.Title.Text = "context fusion gate"
	p.Y.Label.Text = "mean gate"
	p.Y.Min = 0
	p.Y.Max = 1

	xys := make(plotter.XYs, len(gates))
	for i, g := range gates {
		xys[i] = plotter.XY{X: float64(i), Y: g}
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Add(plotter.NewGrid())
	p.X.Tick.Marker = tokenTicks(words)
	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}

// savePanels tiles the plots one per row on a shared canvas and writes a
// PNG.
func savePanels(plots [][]*plot.Plot, w, h vg.Length, path string) error {
	img := vgimg.New(w, h)
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      vg.Millimeter,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(4),
	}
	canvases := plot.Align(plots, tiles, draw.New(img))
	for r := range plots {
		for c := range plots[r] {
			if plots[r][c] != nil {
				plots[r][c].Draw(canvases[r][c])
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
