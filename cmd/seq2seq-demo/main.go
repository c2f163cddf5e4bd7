/*
 *	Copyright 2025 The NeuralMonkey-Go Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// seq2seq-demo trains the attention decoder on a toy task: reversing short
// random token sequences. It is a smoke test of the whole pipeline, from the
// feeds through both decoding modes to the optimizer, and prints a few
// decoded reversals at the end.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	. "github.com/gomlx/gomlx/graph"
	"github.com/mlappe/neuralmonkey/attention"
	"github.com/mlappe/neuralmonkey/decoder"
	"github.com/mlappe/neuralmonkey/vocab"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagSteps     = flag.Int("steps", 2000, "Training steps.")
	flagBatchSize = flag.Int("batch", 32, "Batch size.")
	flagSrcLen    = flag.Int("srclen", 6, "Source sequence length.")
	flagRNNSize   = flag.Int("rnn_size", 64, "Recurrent state width.")
	flagEmbedSize = flag.Int("embed_size", 32, "Token embedding width.")
	flagCellKind  = flag.String("cell", "GRU", "Recurrent cell, GRU or LSTM.")
	flagSeed      = flag.Int64("seed", 1, "Seed of the data generator.")
)

var letters = []string{"a", "b", "c", "d", "e", "f", "g", "h"}

// bagEncoder embeds the source ids and exposes the mean embedding as summary
// and the full embedded sequence for attention. The embedding variable is
// created eagerly so both decoding modes can reuse it.
type bagEncoder struct {
	embeddings *context.Variable
	embedSize  int
	querySize  int

	// input is the [batch, srcLen] source ids, set before every Build.
	input *Node
}

func newBagEncoder(ctx *context.Context, vocabSize, embedSize, querySize int) *bagEncoder {
	v := ctx.In("source_embeddings").
		WithInitializer(initializers.RandomUniformFn(1, -0.5, 0.5)).
		VariableWithShape("embeddings", shapes.Make(decoder.DType, vocabSize, embedSize))
	return &bagEncoder{embeddings: v, embedSize: embedSize, querySize: querySize}
}

func (e *bagEncoder) embedded(g *Graph) *Node {
	return Gather(e.embeddings.ValueGraph(g), InsertAxes(e.input, -1))
}

func (e *bagEncoder) EncodedSize() int { return e.embedSize }

func (e *bagEncoder) Encoded(g *Graph) *Node {
	return ReduceMean(e.embedded(g), 1)
}

func (e *bagEncoder) AttentionSize() int { return e.embedSize }

func (e *bagEncoder) NewAttention(ctx *context.Context, g *Graph) decoder.Attention {
	return attention.NewAdditive(ctx, e.embedded(g), e.querySize, e.embedSize)
}

// reverseDataset yields random source sequences and their reversals,
// indefinitely.
type reverseDataset struct {
	v         *vocab.Vocabulary
	rng       *rand.Rand
	dec       *decoder.Decoder
	batchSize int
	srcLen    int
}

func (ds *reverseDataset) Name() string { return "random reversals" }
func (ds *reverseDataset) Reset()       {}

func (ds *reverseDataset) batch() (srcIDs [][]int32, sentences [][]string) {
	srcIDs = make([][]int32, ds.batchSize)
	sentences = make([][]string, ds.batchSize)
	for i := range srcIDs {
		srcIDs[i] = make([]int32, ds.srcLen)
		sentences[i] = make([]string, ds.srcLen)
		for j := range srcIDs[i] {
			letter := letters[ds.rng.Intn(len(letters))]
			srcIDs[i][j] = int32(ds.v.ID(letter))
			sentences[i][ds.srcLen-1-j] = letter
		}
	}
	return
}

func (ds *reverseDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	srcIDs, sentences := ds.batch()
	feeds, err := ds.dec.MakeFeeds(ds.batchSize, sentences, true)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{
		tensors.FromValue(srcIDs),
		feeds.GoSymbols,
		feeds.Targets,
		feeds.TargetWeights,
	}
	return nil, inputs, nil, nil
}

func main() {
	flag.Parse()
	backend := backends.MustNew()
	ctx := context.New()
	ctx.SetParam(optimizers.ParamOptimizer, "adam")
	ctx.SetParam(optimizers.ParamLearningRate, 1e-3)

	v := vocab.New(letters...)
	enc := newBagEncoder(ctx.In("encoder"), v.Size(), *flagEmbedSize, *flagRNNSize)
	dec := must.M1(decoder.New(ctx.In("decoder"), []decoder.Encoder{enc}, decoder.Config{
		Vocabulary:       v,
		DataID:           "reversed",
		MaxOutputLen:     *flagSrcLen + 1, // Room for the end token.
		RNNSize:          *flagRNNSize,
		EmbeddingSize:    *flagEmbedSize,
		RNNCell:          *flagCellKind,
		UseAttention:     true,
		AttentionOnInput: true,
		DropoutKeepProb:  0.9,
	}))

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		enc.input = inputs[0]
		out := dec.Build(g, inputs[1], inputs[2], inputs[3])
		return []*Node{out.TrainLoss, out.RuntimeLoss}
	}
	// The decoder computes its own masked sequence loss; the trainer only
	// forwards it.
	lossFn := func(labels, predictions []*Node) *Node { return predictions[0] }

	ds := &reverseDataset{
		v: v, rng: rand.New(rand.NewSource(*flagSeed)),
		dec: dec, batchSize: *flagBatchSize, srcLen: *flagSrcLen,
	}
	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{metrics.NewMeanMetric("Runtime Loss", "#rt", "loss",
			func(ctx *context.Context, labels, predictions []*Node) *Node {
				return predictions[1]
			}, nil)},
		nil)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	must.M1(loop.RunSteps(ds, *flagSteps))

	decode(backend, ctx, enc, dec, ds)
}

// decode runs the free-running mode on one fresh batch and prints the
// sources next to the model's reversals.
func decode(backend backends.Backend, ctx *context.Context, enc *bagEncoder,
	dec *decoder.Decoder, ds *reverseDataset) {
	srcIDs, sentences := ds.batch()
	feeds := must.M1(dec.MakeFeeds(ds.batchSize, nil, false))
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, false)
		enc.input = Const(g, tensors.FromValue(srcIDs))
		return dec.Build(g, Const(g, feeds.GoSymbols), nil, nil).DecodedIDs
	})
	decoded := exec.Call()[0].Value().([][]int32)

	shown := min(8, ds.batchSize)
	for i := 0; i < shown; i++ {
		source := make([]string, len(srcIDs[i]))
		for j, id := range srcIDs[i] {
			source[j] = ds.v.Token(int(id))
		}
		got := dec.Vocabulary().IdsToSentence(decoded[i])
		want := sentences[i]
		marker := ""
		if strings.Join(got, " ") != strings.Join(want, " ") {
			marker = "  (wrong)"
		}
		fmt.Printf("%s -> %s%s\n", strings.Join(source, " "), strings.Join(got, " "), marker)
	}
	klog.Infof("Decoded %d examples.", shown)
}
