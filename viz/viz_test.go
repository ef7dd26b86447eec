package viz

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(data) < 8 || !bytes.HasPrefix(data, pngMagic) {
		t.Fatalf("%s is not a PNG (%d bytes)", path, len(data))
	}
}

func countingDense(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.Set(r, c, float64(r*10+c))
		}
	}
	return m
}

func TestTruncateClampsToBounds(t *testing.T) {
	m := countingDense(4, 6)

	got := Truncate(m, 2, 3)
	r, c := got.Dims()
	if r != 2 || c != 3 {
		t.Fatalf("dims = (%d, %d), want (2, 3)", r, c)
	}
	if got.At(1, 2) != 12 {
		t.Errorf("At(1,2) = %g, want 12", got.At(1, 2))
	}

	full := Truncate(m, 10, 10)
	r, c = full.Dims()
	if r != 4 || c != 6 {
		t.Errorf("oversized request dims = (%d, %d), want (4, 6)", r, c)
	}

	one := Truncate(m, 0, 0)
	r, c = one.Dims()
	if r != 1 || c != 1 {
		t.Errorf("zero request dims = (%d, %d), want (1, 1)", r, c)
	}
}

func TestTruncateCopies(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	got := Truncate(m, 2, 2)
	m.Set(0, 0, 99)
	if got.At(0, 0) != 1 {
		t.Error("truncated copy shares backing storage with the source")
	}
}

func TestMatGridOrientation(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{0, 1, 2, 3, 4, 5})
	g := matGrid{m}
	c, r := g.Dims()
	if c != 3 || r != 2 {
		t.Fatalf("Dims = (%d, %d), want cols 3 rows 2", c, r)
	}
	if g.Z(2, 1) != m.At(1, 2) {
		t.Errorf("Z(2,1) = %g, want %g", g.Z(2, 1), m.At(1, 2))
	}
	if g.X(2) != 2 || g.Y(1) != 1 {
		t.Errorf("coordinates = (%g, %g), want cell indices", g.X(2), g.Y(1))
	}
}

func TestSaveLossCurveWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	points := []LossPoint{
		{Step: 50, Train: 3.0, Dev: 3.2},
		{Step: 100, Train: 2.0, Dev: 2.6},
		{Step: 150, Train: 1.4, Dev: 2.2},
	}
	if err := SaveLossCurve(points, path); err != nil {
		t.Fatalf("save loss curve: %v", err)
	}
	assertPNG(t, path)
}

func TestSaveHierarchicalWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utt.png")
	aw := mat.NewDense(2, 5, []float64{
		0.7, 0.1, 0.1, 0.05, 0.05,
		0.05, 0.05, 0.1, 0.1, 0.7,
	})
	awSub := mat.NewDense(3, 5, []float64{
		0.6, 0.2, 0.1, 0.05, 0.05,
		0.1, 0.5, 0.2, 0.1, 0.1,
		0.05, 0.05, 0.1, 0.2, 0.6,
	})
	feats := countingDense(5, 4) // frames x channels
	words := []string{"a", "b"}
	chars := []string{"a", "<space>", "b"}
	if err := SaveHierarchical(aw, awSub, feats, words, chars, path); err != nil {
		t.Fatalf("save hierarchical: %v", err)
	}
	assertPNG(t, path)
}

func TestSaveWordToCharWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w2c.png")
	awDec := mat.NewDense(2, 3, []float64{
		0.8, 0.1, 0.1,
		0.1, 0.3, 0.6,
	})
	if err := SaveWordToChar(awDec, []string{"a", "b"}, []string{"a", "<space>", "b"}, path); err != nil {
		t.Fatalf("save word-to-char: %v", err)
	}
	assertPNG(t, path)
}

func TestSaveGatesWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.png")
	if err := SaveGates([]float64{0.3, 0.8, 0.5}, []string{"a", "b", "c"}, path); err != nil {
		t.Fatalf("save gates: %v", err)
	}
	assertPNG(t, path)
}
