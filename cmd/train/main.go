// Command train fits the hierarchical attention model on a prepared corpus
// and writes every run artifact (train.log, config.json, events.csv,
// loss.png, per-epoch checkpoints, complete.txt) into the run directory
// derived from the configuration.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"

	"github.com/attnlab/hiertrain/attention"
	"github.com/attnlab/hiertrain/config"
	"github.com/attnlab/hiertrain/corpus"
	"github.com/attnlab/hiertrain/metrics"
	"github.com/attnlab/hiertrain/trainer"
	"github.com/attnlab/hiertrain/viz"
)

const featureCacheBytes = 256 << 20

func main() {
	configPath := flag.String("config_path", "", "JSON or YAML parameter file overlaid on the defaults")
	modelSavePath := flag.String("model_save_path", "results", "base directory for run artifacts")
	flag.Parse()

	params := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		params = *loaded
	}

	runDir := params.RunDir(*modelSavePath)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		log.Fatalf("failed to create run dir %s: %v", runDir, err)
	}
	logFile, err := os.Create(filepath.Join(runDir, "train.log"))
	if err != nil {
		log.Fatalf("failed to create train.log: %v", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))

	log.Printf("run dir: %s", runDir)
	log.Printf("cpu: %s, %d logical cores, AVX2=%v",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))

	trainData, err := openSplit(params, "train", params.BatchSize, params.NumEpoch, true)
	if err != nil {
		log.Fatalf("failed to open train split: %v", err)
	}
	devData, err := openSplit(params, "dev", params.BatchSize, 0, false)
	if err != nil {
		log.Fatalf("failed to open dev split: %v", err)
	}
	devEval, err := openSplit(params, "dev", 1, 0, false)
	if err != nil {
		log.Fatalf("failed to open dev split for evaluation: %v", err)
	}

	trainData.EnableCache(featureCacheBytes)
	if err := trainData.Preload(runtime.NumCPU()); err != nil {
		log.Printf("warning: feature preload failed: %v", err)
	}

	model, err := attention.New(attention.Config{
		NumClasses:     trainData.NumClasses(),
		NumClassesSub:  trainData.NumClassesSub(),
		InputDim:       trainData.InputDim(),
		EmbeddingDim:   params.EmbeddingDim,
		EncNumUnits:    params.EncNumUnits,
		DecNumUnits:    params.DecNumUnits,
		AttDim:         params.AttDim,
		Nested:         params.ModelType == "nested_attention",
		MainLossWeight: params.MainLossWeight,
		WeightNoiseStd: params.WeightNoiseStd,
		Seed:           params.Seed,
	})
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}

	modules, counts := model.ParamCounts()
	for _, name := range modules {
		log.Printf("%-6s %s parameters", name, humanize.Comma(int64(counts[name])))
	}
	log.Printf("total  %s parameters", humanize.Comma(int64(model.NumParams())))

	if err := params.Save(filepath.Join(runDir, "config.json")); err != nil {
		log.Fatalf("failed to save config: %v", err)
	}

	opt, err := attention.NewOptimizer(model, params.Optimizer, attention.OptimizerConfig{
		LearningRate: params.LearningRate,
		WeightDecay:  params.WeightDecay,
		ClipNorm:     params.ClipGradNorm,
	})
	if err != nil {
		log.Fatalf("failed to build optimizer: %v", err)
	}

	controller := trainer.NewController(params.DecayStartEpoch, params.DecayRate, params.DecayPatientEpoch, true)
	stopper := trainer.NewEarlyStopping(params.NotImprovedPatientEpoch)
	events, err := trainer.NewEvents(runDir)
	if err != nil {
		log.Fatalf("failed to create event logs: %v", err)
	}

	charLevel := strings.Contains(params.LabelType, "char")
	metricName := "WER"
	if charLevel {
		metricName = "CER"
	}

	model.SetTraining(true)
	best := model.Clone()
	bestValue := math.Inf(1)
	lr := params.LearningRate

	var lossPoints []viz.LossPoint
	var accLoss float64
	var accCount int
	step := 0
	start := time.Now()
	epochStart := start
	windowStart := start

	log.Printf("training: %d utterances, %d batches per epoch, %d epochs",
		trainData.Len(), trainData.NumBatches(), params.NumEpoch)

	for {
		b, isNewEpoch, err := trainData.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			log.Fatalf("failed to read train batch: %v", err)
		}

		loss, err := trainer.Step(model, opt, b)
		if err != nil {
			log.Fatalf("training step failed: %v", err)
		}
		step++
		accLoss += loss
		accCount++

		if step%params.PrintStep == 0 {
			devBatch, _, err := devData.Next()
			if err != nil {
				log.Fatalf("failed to read dev batch: %v", err)
			}
			model.SetTraining(false)
			devLoss, err := model.Loss(devBatch)
			model.SetTraining(true)
			if err != nil {
				log.Fatalf("failed to compute dev loss: %v", err)
			}

			trainLoss := accLoss / float64(accCount)
			accLoss, accCount = 0, 0
			detail := trainData.EpochDetail()
			elapsed := time.Since(windowStart)
			windowStart = time.Now()

			log.Printf("step %d (epoch %.3f): train loss %.4f / dev loss %.4f / lr %g (%.2f steps/s)",
				step, detail, trainLoss, devLoss, lr,
				float64(params.PrintStep)/elapsed.Seconds())

			lossPoints = append(lossPoints, viz.LossPoint{Step: step, Train: trainLoss, Dev: devLoss})
			if err := events.Scalar(step, detail, trainLoss, devLoss, lr); err != nil {
				log.Printf("warning: event log: %v", err)
			}
			logHistograms(events, model, step)
		}

		if !isNewEpoch {
			continue
		}

		epoch := trainData.Epoch()
		log.Printf("===== epoch %d done in %s =====", epoch, time.Since(epochStart).Round(time.Second))
		epochStart = time.Now()

		if len(lossPoints) > 0 {
			if err := viz.SaveLossCurve(lossPoints, filepath.Join(runDir, "loss.png")); err != nil {
				log.Printf("warning: loss curve: %v", err)
			}
		}
		ckPath, err := model.SaveCheckpoint(runDir, epoch)
		if err != nil {
			log.Fatalf("failed to save checkpoint: %v", err)
		}
		log.Printf("saved %s", ckPath)

		if epoch < params.EvalStartEpoch {
			continue
		}

		model.SetTraining(false)
		value, err := evalDev(model, devEval, charLevel)
		model.SetTraining(true)
		if err != nil {
			log.Fatalf("dev evaluation failed: %v", err)
		}

		improved := value < bestValue
		if improved {
			bestValue = value
			best = model.Clone()
			log.Printf("epoch %d: dev %s %.4f (new best)", epoch, metricName, value)
		} else {
			log.Printf("epoch %d: dev %s %.4f (best %.4f)", epoch, metricName, value, bestValue)
		}

		if stopper.Update(improved) {
			log.Printf("no improvement for %d epochs, stopping early", stopper.Count())
			break
		}

		newLR := controller.Update(lr, epoch, value)
		if newLR != lr {
			log.Printf("decaying learning rate: %g -> %g", lr, newLR)
			lr = newLR
			opt.SetLearningRate(lr)
		}
		if params.WeightNoiseStd > 0 && lr < params.LearningRate && !model.WeightNoiseEnabled() {
			model.EnableWeightNoise()
			log.Printf("weight noise enabled (std %g)", params.WeightNoiseStd)
		}
	}

	log.Printf("training finished in %s (%d steps)", time.Since(start).Round(time.Second), step)

	best.SetTraining(false)
	for _, split := range params.EvalSets {
		evalData, err := openSplit(params, split, 1, 0, false)
		if err != nil {
			log.Printf("warning: skipping eval split %s: %v", split, err)
			continue
		}
		value, err := evalDev(best, evalData, charLevel)
		if err != nil {
			log.Printf("warning: evaluation on %s failed: %v", split, err)
			continue
		}
		log.Printf("%s: %s %.4f", split, metricName, value)
	}

	var done strings.Builder
	fmt.Fprintf(&done, "finished %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&done, "steps %d\n", step)
	if !math.IsInf(bestValue, 1) {
		fmt.Fprintf(&done, "best dev %s %.4f\n", metricName, bestValue)
	}
	if err := os.WriteFile(filepath.Join(runDir, "complete.txt"), []byte(done.String()), 0644); err != nil {
		log.Fatalf("failed to write complete.txt: %v", err)
	}
	if err := events.Close(); err != nil {
		log.Printf("warning: closing event logs: %v", err)
	}
}

// openSplit opens one manifest split. Training splits reshuffle each epoch
// with length-sorted early epochs; evaluation splits run ordered passes.
func openSplit(params config.Params, split string, batchSize, maxEpoch int, train bool) (*corpus.Dataset, error) {
	return corpus.NewDataset(corpus.Config{
		DataDir:       params.CorpusDir(),
		Split:         split,
		BatchSize:     batchSize,
		MaxEpoch:      maxEpoch,
		Shuffle:       train,
		SortUtt:       train && params.SortStopEpoch > 0,
		SortStopEpoch: params.SortStopEpoch,
		Splice:        params.Splice,
		NumStack:      params.NumStack,
		NumSkip:       params.NumSkip,
		InputChannel:  params.InputChannel,
		Seed:          params.Seed,
	})
}

// evalDev scores greedy decoding on ds: character error rate when the main
// label type is character based, word error rate otherwise.
func evalDev(m *attention.Model, ds *corpus.Dataset, charLevel bool) (float64, error) {
	if charLevel {
		cer, _, err := metrics.EvalCER(m, ds, metrics.Config{})
		return cer, err
	}
	return metrics.EvalWER(m, ds, metrics.Config{})
}

// logHistograms writes parameter and gradient summary stats grouped by
// module prefix (enc, wdec, cdec).
func logHistograms(events *trainer.Events, m *attention.Model, step int) {
	writeGroup := func(suffix string, snap map[string][]float64) {
		byModule := make(map[string][]float64)
		for name, vals := range snap {
			module := name
			if i := strings.IndexByte(name, '.'); i >= 0 {
				module = name[:i]
			}
			byModule[module] = append(byModule[module], vals...)
		}
		modules := make([]string, 0, len(byModule))
		for module := range byModule {
			modules = append(modules, module)
		}
		sort.Strings(modules)
		for _, module := range modules {
			if err := events.Histogram(step, module+"/"+suffix, byModule[module]); err != nil {
				log.Printf("warning: histogram log: %v", err)
				return
			}
		}
	}
	writeGroup("params", m.Params())
	writeGroup("grads", m.Grads())
}
