package attention

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Checkpoints are gob files named model.epoch-<N> inside the run directory.
// A later save for the same epoch replaces the file; distinct epochs coexist.
const checkpointPrefix = "model.epoch-"

type checkpointFile struct {
	Epoch  int
	Params map[string][][]float64
}

// SaveCheckpoint writes the parameters for the given epoch, returning the
// file path. The write goes through a temp file and an atomic rename.
func (m *Model) SaveCheckpoint(dir string, epoch int) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%d", checkpointPrefix, epoch))

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()

	ck := checkpointFile{
		Epoch:  epoch,
		Params: make(map[string][][]float64, len(m.params)),
	}
	for name, p := range m.params {
		rows := make([][]float64, len(p))
		for i, row := range p {
			vals := make([]float64, len(row))
			for j, n := range row {
				vals[j] = n.data
			}
			rows[i] = vals
		}
		ck.Params[name] = rows
	}
	if err := gob.NewEncoder(tmp).Encode(&ck); err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename checkpoint: %w", err)
	}
	return path, nil
}

// LoadCheckpoint restores parameters saved by SaveCheckpoint. epoch -1 loads
// the newest checkpoint in dir. Returns the epoch that was loaded. Shapes
// must match the model exactly.
func (m *Model) LoadCheckpoint(dir string, epoch int) (int, error) {
	if epoch < 0 {
		latest, err := LatestEpoch(dir)
		if err != nil {
			return 0, err
		}
		epoch = latest
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%d", checkpointPrefix, epoch))
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer f.Close()

	var ck checkpointFile
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return 0, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	for name, p := range m.params {
		saved, ok := ck.Params[name]
		if !ok {
			return 0, fmt.Errorf("checkpoint %s: missing parameter %s", path, name)
		}
		if len(saved) != len(p) {
			return 0, fmt.Errorf("checkpoint %s: %s has %d rows, model wants %d", path, name, len(saved), len(p))
		}
		for i, row := range p {
			if len(saved[i]) != len(row) {
				return 0, fmt.Errorf("checkpoint %s: %s row %d has %d cols, model wants %d",
					path, name, i, len(saved[i]), len(row))
			}
			for j, n := range row {
				n.data = saved[i][j]
				n.grad = 0
			}
		}
	}
	return ck.Epoch, nil
}

// LatestEpoch scans dir for checkpoint files and returns the highest epoch.
func LatestEpoch(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan checkpoints in %s: %w", dir, err)
	}
	var epochs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, checkpointPrefix) || strings.Contains(name, ".tmp.") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, checkpointPrefix))
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	if len(epochs) == 0 {
		return 0, fmt.Errorf("no checkpoints in %s", dir)
	}
	sort.Ints(epochs)
	return epochs[len(epochs)-1], nil
}
