// Command plot_attention restores a trained nested-attention checkpoint,
// greedily decodes an evaluation split and renders the attention figures
// for every utterance into <model_path>/att_weights/<speaker>/.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/attnlab/hiertrain/attention"
	"github.com/attnlab/hiertrain/config"
	"github.com/attnlab/hiertrain/corpus"
	"github.com/attnlab/hiertrain/viz"
)

func main() {
	modelPath := flag.String("model_path", "", "run directory holding config.json and checkpoints")
	epoch := flag.Int("epoch", -1, "checkpoint epoch to restore (-1 for the newest)")
	evalBatchSize := flag.Int("eval_batch_size", 1, "batch size while decoding")
	maxDecodeLen := flag.Int("max_decode_len", 80, "cap on decoded words per utterance")
	maxDecodeLenSub := flag.Int("max_decode_len_sub", 150, "cap on decoded characters per utterance")
	dataSavePath := flag.String("data_save_path", "", "override the corpus root from config.json")
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("--model_path is required")
	}

	loaded, err := config.Load(filepath.Join(*modelPath, "config.json"))
	if err != nil {
		log.Fatalf("failed to load run config: %v", err)
	}
	params := *loaded
	if params.ModelType != "nested_attention" {
		log.Fatalf("model_type %q has no word-over-character attention; only nested_attention can be plotted", params.ModelType)
	}
	if *dataSavePath != "" {
		params.DataSavePath = *dataSavePath
	}

	split := "dev"
	if len(params.EvalSets) > 0 {
		split = params.EvalSets[0]
	}
	ds, err := corpus.NewDataset(corpus.Config{
		DataDir:      params.CorpusDir(),
		Split:        split,
		BatchSize:    *evalBatchSize,
		Splice:       params.Splice,
		NumStack:     params.NumStack,
		NumSkip:      params.NumSkip,
		InputChannel: params.InputChannel,
		Seed:         params.Seed,
	})
	if err != nil {
		log.Fatalf("failed to open split %s: %v", split, err)
	}

	model, err := attention.New(attention.Config{
		NumClasses:     ds.NumClasses(),
		NumClassesSub:  ds.NumClassesSub(),
		InputDim:       ds.InputDim(),
		EmbeddingDim:   params.EmbeddingDim,
		EncNumUnits:    params.EncNumUnits,
		DecNumUnits:    params.DecNumUnits,
		AttDim:         params.AttDim,
		Nested:         true,
		MainLossWeight: params.MainLossWeight,
		Seed:           params.Seed,
	})
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	restored, err := model.LoadCheckpoint(*modelPath, *epoch)
	if err != nil {
		log.Fatalf("failed to restore checkpoint: %v", err)
	}
	model.SetTraining(false)
	log.Printf("restored epoch %d, decoding %s (%d utterances)", restored, split, ds.Len())

	attDir := filepath.Join(*modelPath, "att_weights")
	if err := os.RemoveAll(attDir); err != nil {
		log.Fatalf("failed to clear %s: %v", attDir, err)
	}
	if err := os.MkdirAll(attDir, 0755); err != nil {
		log.Fatalf("failed to create %s: %v", attDir, err)
	}

	wordVocab := ds.WordVocab()
	charVocab := ds.CharVocab()
	start := time.Now()
	plotted := 0

	for {
		b, isNewEpoch, err := ds.Next()
		if err != nil {
			log.Fatalf("failed to read batch: %v", err)
		}
		result, err := model.AttentionWeights(b, *maxDecodeLen, *maxDecodeLenSub)
		if err != nil {
			log.Fatalf("decoding failed: %v", err)
		}

		for i := 0; i < b.B; i++ {
			words := result.Words[i]
			chars := result.Chars[i]
			if len(words) == 0 || len(chars) == 0 {
				log.Printf("skipping %s: empty hypothesis", b.Names[i])
				continue
			}
			wordTokens := wordVocab.Tokens(words)
			charTokens := charVocab.Tokens(chars)
			frames := b.InputLens[i]

			aw := viz.Truncate(result.AW[i], len(words), frames)
			awSub := viz.Truncate(result.AWSub[i], len(chars), frames)
			awDec := viz.Truncate(result.AWDec[i], len(words), len(chars))
			feats := b.Spectrogram(i, params.InputChannel)

			speakerDir := filepath.Join(attDir, b.Speakers[i])
			if err := os.MkdirAll(speakerDir, 0755); err != nil {
				log.Fatalf("failed to create %s: %v", speakerDir, err)
			}

			base := filepath.Join(speakerDir, b.Names[i])
			if err := viz.SaveHierarchical(aw, awSub, feats, wordTokens, charTokens, base+".png"); err != nil {
				log.Fatalf("failed to plot %s: %v", b.Names[i], err)
			}
			if err := viz.SaveWordToChar(awDec, wordTokens, charTokens, base+"_word2char.png"); err != nil {
				log.Fatalf("failed to plot %s: %v", b.Names[i], err)
			}
			if err := viz.SaveGates(result.Gates[i], wordTokens, base+"_gate.png"); err != nil {
				log.Fatalf("failed to plot %s: %v", b.Names[i], err)
			}
			plotted++
			log.Printf("%s: %s", b.Names[i], strings.Join(wordTokens, " "))
		}

		if isNewEpoch {
			break
		}
	}

	log.Printf("wrote figures for %d utterances to %s in %s",
		plotted, attDir, time.Since(start).Round(time.Second))
}
