package corpus

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/VictoriaMetrics/fastcache"
)

// Feature files are raw little-endian float32 matrices, frames*channels
// values with no header. The manifest carries the frame count; the channel
// count comes from the dataset configuration.

// ReadFeatures loads one utterance's features as [frames][channels]float32.
func ReadFeatures(path string, frames, channels int) ([][]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read features %s: %w", path, err)
	}
	return decodeFeatures(raw, path, frames, channels)
}

// WriteFeatures stores a feature matrix in the raw on-disk format, creating
// parent directories as needed. Used by corpus preparation and tests.
func WriteFeatures(path string, frames [][]float32) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	var channels int
	if len(frames) > 0 {
		channels = len(frames[0])
	}
	buf := make([]byte, 0, len(frames)*channels*4)
	var scratch [4]byte
	for t, row := range frames {
		if len(row) != channels {
			return fmt.Errorf("features %s: frame %d has %d channels, want %d", path, t, len(row), channels)
		}
		for _, x := range row {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(x))
			buf = append(buf, scratch[:]...)
		}
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write features %s: %w", path, err)
	}
	return nil
}

func decodeFeatures(raw []byte, path string, frames, channels int) ([][]float32, error) {
	want := frames * channels * 4
	if len(raw) != want {
		return nil, fmt.Errorf("features %s: %d bytes, want %d (%d frames x %d channels)",
			path, len(raw), want, frames, channels)
	}
	out := make([][]float32, frames)
	flat := make([]float32, frames*channels)
	for i := range flat {
		flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	for t := range out {
		out[t] = flat[t*channels : (t+1)*channels : (t+1)*channels]
	}
	return out, nil
}

// featureCache keeps raw feature bytes in memory keyed by file path, so the
// per-epoch reshuffle does not hit the filesystem again.
type featureCache struct {
	c *fastcache.Cache
}

func newFeatureCache(maxBytes int) *featureCache {
	return &featureCache{c: fastcache.New(maxBytes)}
}

// read returns the decoded features for path, loading and caching the raw
// bytes on a miss. Feature files routinely exceed fastcache's 64KB entry
// limit, so entries go through SetBig/GetBig.
func (fc *featureCache) read(path string, frames, channels int) ([][]float32, error) {
	key := []byte(path)
	if raw := fc.c.GetBig(nil, key); len(raw) > 0 {
		return decodeFeatures(raw, path, frames, channels)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read features %s: %w", path, err)
	}
	fc.c.SetBig(key, raw)
	return decodeFeatures(raw, path, frames, channels)
}
