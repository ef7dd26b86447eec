package trainer

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	eventsFile     = "events.csv"
	histogramsFile = "histograms.csv"
)

// Events appends scalar and histogram rows to CSV logs under the run
// directory. Every row is flushed as it is written, so a killed run still
// leaves a readable log behind.
type Events struct {
	scalarFile *os.File
	scalarW    *csv.Writer
	histFile   *os.File
	histW      *csv.Writer
}

// NewEvents creates events.csv and histograms.csv under dir, truncating
// any logs left over from a previous run.
func NewEvents(dir string) (*Events, error) {
	sf, err := os.Create(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", eventsFile, err)
	}
	sw := csv.NewWriter(sf)
	if err := sw.Write([]string{"step", "epoch_detail", "train_loss", "dev_loss", "learning_rate"}); err != nil {
		sf.Close()
		return nil, fmt.Errorf("write %s header: %w", eventsFile, err)
	}
	sw.Flush()

	hf, err := os.Create(filepath.Join(dir, histogramsFile))
	if err != nil {
		sf.Close()
		return nil, fmt.Errorf("create %s: %w", histogramsFile, err)
	}
	hw := csv.NewWriter(hf)
	if err := hw.Write([]string{"step", "name", "count", "mean", "std", "min", "p50", "max"}); err != nil {
		sf.Close()
		hf.Close()
		return nil, fmt.Errorf("write %s header: %w", histogramsFile, err)
	}
	hw.Flush()

	return &Events{scalarFile: sf, scalarW: sw, histFile: hf, histW: hw}, nil
}

// Scalar logs the losses and learning rate observed at step.
func (e *Events) Scalar(step int, epochDetail, trainLoss, devLoss, lr float64) error {
	row := []string{
		strconv.Itoa(step),
		strconv.FormatFloat(epochDetail, 'f', 3, 64),
		strconv.FormatFloat(trainLoss, 'f', 6, 64),
		strconv.FormatFloat(devLoss, 'f', 6, 64),
		strconv.FormatFloat(lr, 'g', -1, 64),
	}
	if err := e.scalarW.Write(row); err != nil {
		return fmt.Errorf("write %s row: %w", eventsFile, err)
	}
	e.scalarW.Flush()
	return e.scalarW.Error()
}

// Histogram logs summary statistics of values under name at step. Gradient
// magnitudes span many orders, so the stats use the shortest exact float
// form rather than a fixed number of decimals.
func (e *Events) Histogram(step int, name string, values []float64) error {
	st := summarize(values)
	row := []string{
		strconv.Itoa(step),
		name,
		strconv.Itoa(st.count),
		strconv.FormatFloat(st.mean, 'g', -1, 64),
		strconv.FormatFloat(st.std, 'g', -1, 64),
		strconv.FormatFloat(st.min, 'g', -1, 64),
		strconv.FormatFloat(st.p50, 'g', -1, 64),
		strconv.FormatFloat(st.max, 'g', -1, 64),
	}
	if err := e.histW.Write(row); err != nil {
		return fmt.Errorf("write %s row: %w", histogramsFile, err)
	}
	e.histW.Flush()
	return e.histW.Error()
}

// Close flushes and closes both logs.
func (e *Events) Close() error {
	e.scalarW.Flush()
	e.histW.Flush()
	err := e.scalarW.Error()
	if werr := e.histW.Error(); err == nil {
		err = werr
	}
	if cerr := e.scalarFile.Close(); err == nil {
		err = cerr
	}
	if cerr := e.histFile.Close(); err == nil {
		err = cerr
	}
	return err
}

type stats struct {
	count                    int
	mean, std, min, p50, max float64
}

// summarize computes the Histogram row statistics. p50 is the upper median.
func summarize(values []float64) stats {
	st := stats{count: len(values)}
	if len(values) == 0 {
		return st
	}
	st.min = values[0]
	st.max = values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < st.min {
			st.min = v
		}
		if v > st.max {
			st.max = v
		}
	}
	st.mean = sum / float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - st.mean
		ss += d * d
	}
	st.std = math.Sqrt(ss / float64(len(values)))
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	st.p50 = sorted[len(sorted)/2]
	return st
}
