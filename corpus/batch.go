package corpus

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
)

// Batch is one padded mini-batch of utterances. Features live in a single
// flat buffer laid out [B][T][F]; rows past an utterance's true length are
// zero. Label sequences are ragged and carry no sos/eos markers.
type Batch struct {
	Inputs    []float32 // flat feature buffer, len B*T*F
	B, T, F   int       // batch size, padded frame count, feature dim
	InputLens []int     // true frame count per utterance
	Words     [][]int   // word label ids per utterance
	Chars     [][]int   // character label ids per utterance
	Names     []string  // utterance ids
	Speakers  []string
}

// Frame returns the feature row for utterance b at time t as a view into the
// flat buffer.
func (b *Batch) Frame(i, t int) []float32 {
	off := (i*b.T + t) * b.F
	return b.Inputs[off : off+b.F : off+b.F]
}

// Utterance returns the valid frames of utterance i as row views, length
// InputLens[i].
func (b *Batch) Utterance(i int) [][]float32 {
	frames := make([][]float32, b.InputLens[i])
	for t := range frames {
		frames[t] = b.Frame(i, t)
	}
	return frames
}

// Spectrogram extracts the first channels columns of utterance i's valid
// frames as a dense matrix, one row per frame. When the stored feature dim is
// smaller than channels, all columns are used.
func (b *Batch) Spectrogram(i, channels int) *mat.Dense {
	if channels > b.F || channels <= 0 {
		channels = b.F
	}
	rows := b.InputLens[i]
	m := mat.NewDense(rows, channels, nil)
	for t := 0; t < rows; t++ {
		frame := b.Frame(i, t)
		for c := 0; c < channels; c++ {
			m.Set(t, c, float64(frame[c]))
		}
	}
	return m
}

// ToTensors converts the batch into gomlx tensors: features as
// [B][T][F]float32, and each label level as a [B][L]int32 matrix padded with
// -1 to the longest sequence in the batch.
func (b *Batch) ToTensors() (inputs, words, chars *tensors.Tensor, err error) {
	if b.B == 0 {
		return nil, nil, nil, fmt.Errorf("empty batch")
	}
	feats := make([][][]float32, b.B)
	for i := 0; i < b.B; i++ {
		rows := make([][]float32, b.T)
		for t := 0; t < b.T; t++ {
			rows[t] = b.Frame(i, t)
		}
		feats[i] = rows
	}
	inputs = tensors.FromAnyValue(feats)
	words = labelTensor(b.Words)
	chars = labelTensor(b.Chars)
	return inputs, words, chars, nil
}

// LensTensor exposes the true input lengths as an int32 vector.
func (b *Batch) LensTensor() *tensors.Tensor {
	lens := make([]int32, len(b.InputLens))
	for i, n := range b.InputLens {
		lens[i] = int32(n)
	}
	return tensors.FromAnyValue(lens)
}

func labelTensor(labels [][]int) *tensors.Tensor {
	maxLen := 1
	for _, seq := range labels {
		if len(seq) > maxLen {
			maxLen = len(seq)
		}
	}
	padded := make([][]int32, len(labels))
	for i, seq := range labels {
		row := make([]int32, maxLen)
		for j := range row {
			if j < len(seq) {
				row[j] = int32(seq[j])
			} else {
				row[j] = -1
			}
		}
		padded[i] = row
	}
	return tensors.FromAnyValue(padded)
}
