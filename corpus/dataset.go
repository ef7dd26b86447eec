// Package corpus provides lazy batched iteration over speech corpora. A
// corpus directory holds one manifest CSV per split (id,speaker,feats,
// frames,text), raw float32 feature files referenced by the manifests, and
// vocab_word.txt / vocab_char.txt. Feature frames are spliced and stacked on
// the fly; transcripts are encoded at both the word and character level.
package corpus

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Vocab file names inside a corpus directory.
const (
	WordVocabFile = "vocab_word.txt"
	CharVocabFile = "vocab_char.txt"
)

// Config controls how a split is read and batched.
type Config struct {
	DataDir   string // corpus directory, e.g. data/300h
	Split     string // manifest basename: train, dev, eval1, ...
	BatchSize int

	// MaxEpoch bounds iteration; Next returns io.EOF once this many full
	// passes have completed. 0 iterates forever.
	MaxEpoch int

	// Shuffle reorders utterances every epoch. SortUtt overrides it with
	// ascending-length order until SortStopEpoch is reached, which keeps
	// early-epoch batches short and padding small.
	Shuffle       bool
	SortUtt       bool
	SortStopEpoch int

	// Feature transforms, applied in this order.
	Splice   int // concat +-Splice context frames
	NumStack int // frames stacked per step (default 1)
	NumSkip  int // stride between stacked steps (default 1)

	InputChannel int // channels per raw frame
	Seed         int64
}

type utterance struct {
	id       string
	speaker  string
	featPath string
	frames   int
	words    []int
	chars    []int
}

// Dataset iterates over one split in padded batches. It is not safe for
// concurrent use; Preload is the only concurrent entry point and must finish
// before iteration starts.
type Dataset struct {
	cfg       Config
	utts      []utterance
	wordVocab *Vocab
	charVocab *Vocab

	order []int
	pos   int
	epoch int
	rng   *rand.Rand

	cache *featureCache
}

// NewDataset opens the manifest and vocabularies for cfg.Split and prepares
// the first epoch's ordering. Feature files are read lazily.
func NewDataset(cfg Config) (*Dataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumStack < 1 {
		cfg.NumStack = 1
	}
	if cfg.NumSkip < 1 {
		cfg.NumSkip = 1
	}
	if cfg.InputChannel <= 0 {
		return nil, fmt.Errorf("input channel must be positive, got %d", cfg.InputChannel)
	}

	wordVocab, err := LoadVocab(filepath.Join(cfg.DataDir, WordVocabFile))
	if err != nil {
		return nil, err
	}
	charVocab, err := LoadVocab(filepath.Join(cfg.DataDir, CharVocabFile))
	if err != nil {
		return nil, err
	}

	d := &Dataset{
		cfg:       cfg,
		wordVocab: wordVocab,
		charVocab: charVocab,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	if err := d.loadManifest(filepath.Join(cfg.DataDir, cfg.Split+".csv")); err != nil {
		return nil, err
	}
	if len(d.utts) == 0 {
		return nil, fmt.Errorf("split %s: no utterances", cfg.Split)
	}
	d.reorder()
	return d, nil
}

func (d *Dataset) loadManifest(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read manifest header %s: %w", path, err)
	}
	if header[0] != "id" {
		return fmt.Errorf("manifest %s: unexpected header %v", path, header)
	}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("manifest %s line %d: %w", path, line, err)
		}
		frames, err := strconv.Atoi(rec[3])
		if err != nil || frames <= 0 {
			return fmt.Errorf("manifest %s line %d: bad frame count %q", path, line, rec[3])
		}
		words, err := d.wordVocab.Encode(WordTokens(rec[4]))
		if err != nil {
			return fmt.Errorf("manifest %s line %d: %w", path, line, err)
		}
		chars, err := d.charVocab.Encode(CharTokens(rec[4]))
		if err != nil {
			return fmt.Errorf("manifest %s line %d: %w", path, line, err)
		}
		featPath := rec[2]
		if !filepath.IsAbs(featPath) {
			featPath = filepath.Join(d.cfg.DataDir, featPath)
		}
		d.utts = append(d.utts, utterance{
			id:       rec[0],
			speaker:  rec[1],
			featPath: featPath,
			frames:   frames,
			words:    words,
			chars:    chars,
		})
	}
	return nil
}

// reorder recomputes the visit order for the current epoch.
func (d *Dataset) reorder() {
	if d.order == nil {
		d.order = make([]int, len(d.utts))
	}
	for i := range d.order {
		d.order[i] = i
	}
	switch {
	case d.cfg.SortUtt && d.epoch < d.cfg.SortStopEpoch:
		sort.SliceStable(d.order, func(a, b int) bool {
			return d.utts[d.order[a]].frames < d.utts[d.order[b]].frames
		})
	case d.cfg.Shuffle:
		d.rng.Shuffle(len(d.order), func(a, b int) {
			d.order[a], d.order[b] = d.order[b], d.order[a]
		})
	}
}

// Next returns the next batch. isNewEpoch is true on the batch that completes
// a full pass; Epoch() has already advanced when it is observed. After
// MaxEpoch passes Next returns io.EOF.
func (d *Dataset) Next() (b *Batch, isNewEpoch bool, err error) {
	if d.cfg.MaxEpoch > 0 && d.epoch >= d.cfg.MaxEpoch {
		return nil, false, io.EOF
	}
	end := d.pos + d.cfg.BatchSize
	if end > len(d.order) {
		end = len(d.order)
	}
	b, err = d.loadBatch(d.order[d.pos:end])
	if err != nil {
		return nil, false, err
	}
	d.pos = end
	if d.pos >= len(d.order) {
		d.pos = 0
		d.epoch++
		d.reorder()
		isNewEpoch = true
	}
	return b, isNewEpoch, nil
}

// Restart rewinds to the start of a fresh pass without touching the epoch
// counter, reshuffling if configured.
func (d *Dataset) Restart() error {
	d.pos = 0
	d.reorder()
	return nil
}

func (d *Dataset) loadBatch(idxs []int) (*Batch, error) {
	feat := make([][][]float32, len(idxs))
	maxT := 0
	for bi, idx := range idxs {
		u := d.utts[idx]
		frames, err := d.readFeatures(u)
		if err != nil {
			return nil, err
		}
		frames = spliceFrames(frames, d.cfg.Splice)
		frames = stackFrames(frames, d.cfg.NumStack, d.cfg.NumSkip)
		feat[bi] = frames
		if len(frames) > maxT {
			maxT = len(frames)
		}
	}
	f := d.InputDim()
	b := &Batch{
		Inputs:    make([]float32, len(idxs)*maxT*f),
		B:         len(idxs),
		T:         maxT,
		F:         f,
		InputLens: make([]int, len(idxs)),
		Words:     make([][]int, len(idxs)),
		Chars:     make([][]int, len(idxs)),
		Names:     make([]string, len(idxs)),
		Speakers:  make([]string, len(idxs)),
	}
	for bi, idx := range idxs {
		u := d.utts[idx]
		b.InputLens[bi] = len(feat[bi])
		b.Words[bi] = u.words
		b.Chars[bi] = u.chars
		b.Names[bi] = u.id
		b.Speakers[bi] = u.speaker
		for t, row := range feat[bi] {
			copy(b.Frame(bi, t), row)
		}
	}
	return b, nil
}

func (d *Dataset) readFeatures(u utterance) ([][]float32, error) {
	if d.cache != nil {
		return d.cache.read(u.featPath, u.frames, d.cfg.InputChannel)
	}
	return ReadFeatures(u.featPath, u.frames, d.cfg.InputChannel)
}

// EnableCache keeps raw feature bytes in an in-memory cache of roughly
// maxBytes (fastcache rounds up to its minimum size).
func (d *Dataset) EnableCache(maxBytes int) {
	d.cache = newFeatureCache(maxBytes)
}

// Preload warms the feature cache with a worker pool, logging progress every
// few seconds. EnableCache must have been called first.
func (d *Dataset) Preload(workers int) error {
	if d.cache == nil {
		return fmt.Errorf("preload: cache not enabled")
	}
	n := len(d.utts)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int, n)
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)

	var done int64
	ticker := time.NewTicker(3 * time.Second)
	stopProgress := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c := atomic.LoadInt64(&done)
				log.Printf("[Preload] %s: %d/%d (%.1f%%)", d.Name(), c, n, float64(c)/float64(n)*100)
			case <-stopProgress:
				return
			}
		}
	}()

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				u := d.utts[idx]
				if _, err := d.cache.read(u.featPath, u.frames, d.cfg.InputChannel); err != nil {
					errCh <- err
					return
				}
				atomic.AddInt64(&done, 1)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(stopProgress)
	close(errCh)
	if err := <-errCh; err != nil {
		return fmt.Errorf("preload %s: %w", d.Name(), err)
	}
	log.Printf("[Preload] %s: %d utterances cached", d.Name(), atomic.LoadInt64(&done))
	return nil
}

// Yield adapts the dataset to gomlx-style training loops: inputs are the
// padded features and true lengths, labels the word and character id
// matrices. The epoch-boundary flag is not surfaced here; gomlx loops use
// Restart between epochs.
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, _, err := d.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	feats, words, chars, err := b.ToTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{feats, b.LensTensor()}, []*tensors.Tensor{words, chars}, nil
}

// Name identifies the split for logs.
func (d *Dataset) Name() string {
	return filepath.Base(d.cfg.DataDir) + "_" + d.cfg.Split
}

// Len is the number of utterances in the split.
func (d *Dataset) Len() int { return len(d.utts) }

// NumBatches is the number of batches per epoch.
func (d *Dataset) NumBatches() int {
	return (len(d.utts) + d.cfg.BatchSize - 1) / d.cfg.BatchSize
}

// Epoch is the number of completed passes.
func (d *Dataset) Epoch() int { return d.epoch }

// EpochDetail is the fractional epoch position, e.g. 1.25 after a quarter of
// the second pass.
func (d *Dataset) EpochDetail() float64 {
	return float64(d.epoch) + float64(d.pos)/float64(len(d.utts))
}

// InputDim is the feature dimension after splicing and stacking.
func (d *Dataset) InputDim() int {
	return d.cfg.InputChannel * (2*d.cfg.Splice + 1) * d.cfg.NumStack
}

// NumClasses is the word vocabulary size, excluding sos/eos.
func (d *Dataset) NumClasses() int { return d.wordVocab.Size() }

// NumClassesSub is the character vocabulary size, excluding sos/eos.
func (d *Dataset) NumClassesSub() int { return d.charVocab.Size() }

// WordVocab returns the word-level vocabulary.
func (d *Dataset) WordVocab() *Vocab { return d.wordVocab }

// CharVocab returns the character-level vocabulary.
func (d *Dataset) CharVocab() *Vocab { return d.charVocab }

// spliceFrames concatenates +-splice context frames onto each frame, clamping
// at the utterance edges. splice == 0 returns the input unchanged.
func spliceFrames(frames [][]float32, splice int) [][]float32 {
	if splice <= 0 || len(frames) == 0 {
		return frames
	}
	channels := len(frames[0])
	width := 2*splice + 1
	out := make([][]float32, len(frames))
	for t := range frames {
		row := make([]float32, 0, width*channels)
		for c := -splice; c <= splice; c++ {
			src := t + c
			if src < 0 {
				src = 0
			}
			if src >= len(frames) {
				src = len(frames) - 1
			}
			row = append(row, frames[src]...)
		}
		out[t] = row
	}
	return out
}

// stackFrames concatenates numStack consecutive frames per output step,
// advancing numSkip frames between steps. Frames past the end of the
// utterance are zero. numStack == numSkip == 1 returns the input unchanged.
func stackFrames(frames [][]float32, numStack, numSkip int) [][]float32 {
	if numStack <= 1 && numSkip <= 1 {
		return frames
	}
	if len(frames) == 0 {
		return frames
	}
	channels := len(frames[0])
	var out [][]float32
	for start := 0; start < len(frames); start += numSkip {
		row := make([]float32, numStack*channels)
		for s := 0; s < numStack; s++ {
			if start+s < len(frames) {
				copy(row[s*channels:(s+1)*channels], frames[start+s])
			}
		}
		out = append(out, row)
	}
	return out
}
