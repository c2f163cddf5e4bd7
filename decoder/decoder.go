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

// Package decoder builds the computation graph of an attention-based
// autoregressive sequence decoder. Each Build call unrolls two fixed-horizon
// decoding loops over the same parameters: a teacher-forced one fed with
// ground-truth tokens, used for the training loss, and a free-running one fed
// with its own argmax predictions, used for decoding and for the diagnostic
// runtime loss.
//
// All trainable variables live in the *context.Context given to New. The
// first Build creates them; later Builds and the second mode of every Build
// reuse them.
package decoder

import (
	"math"

	"github.com/gomlx/gomlx/types/xslices"
	"k8s.io/klog/v2"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/mlappe/neuralmonkey/decoder/cell"
	"github.com/mlappe/neuralmonkey/vocab"
	"github.com/pkg/errors"

	"github.com/gomlx/exceptions"
)

// DType used for all floating point values of the decoder.
const DType = dtypes.Float32

// initializationSeed makes freshly created decoders reproducible.
const initializationSeed = 42

// Config holds the construction-time options of a Decoder. Vocabulary,
// DataID, MaxOutputLen and one of EmbeddingSize or EmbeddingsSource are
// required, everything else has a usable zero value.
type Config struct {
	// Vocabulary of the target side.
	Vocabulary *vocab.Vocabulary

	// DataID names the data series this decoder reads its targets from.
	DataID string

	// MaxOutputLen is the fixed decoding horizon T.
	MaxOutputLen int

	// DropoutKeepProb is the probability of keeping an activation. Zero
	// means 1.0 (no dropout).
	DropoutKeepProb float64

	// RNNSize is the recurrent state width. Zero means inferred from the
	// encoders (their summary widths are summed).
	RNNSize int

	// EmbeddingSize of the target token embeddings. Ignored, with a logged
	// warning, when EmbeddingsSource is set.
	EmbeddingSize int

	// EmbeddingsSource, if set, makes this decoder share (not copy) the
	// source decoder's embedding matrix.
	EmbeddingsSource *Decoder

	// RNNCell is "GRU" (default) or "LSTM".
	RNNCell string

	// ConditionalCell enables a second GRU step consuming the attention
	// contexts after the base recurrence. Requires the GRU cell and
	// attention.
	ConditionalCell bool

	// UseAttention makes the decoder attend over every encoder that
	// implements AttentionSource.
	UseAttention bool

	// AttentionOnInput fuses the previous attention contexts into the step
	// input through a learned linear layer.
	AttentionOnInput bool

	// EncoderProjection overrides the initial-state policy. When set,
	// RNNSize must be given explicitly.
	EncoderProjection EncoderProjectionFn

	// OutputProjection overrides how the cell output and the attention
	// contexts are combined before the logit layer. Defaults to
	// ConcatOutputProjection.
	OutputProjection OutputProjectionFn
}

// Decoder builds decoding graphs over a fixed set of trainable variables.
// Create it with New; it is not safe for concurrent Build calls.
type Decoder struct {
	ctx      *context.Context
	cfg      Config
	encoders []Encoder

	cell     cell.Cell
	condCell cell.Cell

	rnnSize       int
	embeddingSize int
	dropoutRate   float64

	embeddings        *embeddingTable
	logitW, logitB    *context.Variable
	encoderProjection EncoderProjectionFn
	outputProjection  OutputProjectionFn

	built bool
}

// New validates the configuration and creates the decoder's eager variables
// (embeddings and the logit layer) in the given context. All remaining
// variables are created by the first Build.
func New(ctx *context.Context, encoders []Encoder, cfg Config) (*Decoder, error) {
	if cfg.Vocabulary == nil {
		return nil, errors.New("decoder requires a vocabulary")
	}
	if cfg.DataID == "" {
		return nil, errors.New("decoder requires a data series id")
	}
	if cfg.MaxOutputLen <= 0 {
		return nil, errors.Errorf("max output length must be positive, got %d", cfg.MaxOutputLen)
	}
	keepProb := cfg.DropoutKeepProb
	if keepProb == 0 {
		keepProb = 1.0
	}
	if keepProb <= 0 || keepProb > 1 {
		return nil, errors.Errorf("dropout keep probability must be in (0, 1], got %g", cfg.DropoutKeepProb)
	}

	cellName := cfg.RNNCell
	if cellName == "" {
		cellName = "GRU"
	}
	kind, err := cell.KindFromString(cellName)
	if err != nil {
		return nil, err
	}
	if cfg.ConditionalCell {
		if kind != cell.GRU {
			return nil, errors.Errorf("the conditional cell requires the GRU cell, got %s", kind)
		}
		if !cfg.UseAttention {
			return nil, errors.New("the conditional cell requires attention to be enabled")
		}
		if countAttentionSources(encoders) == 0 {
			return nil, errors.New("the conditional cell requires at least one encoder implementing AttentionSource")
		}
	}

	d := &Decoder{
		ctx:              ctx,
		cfg:              cfg,
		encoders:         encoders,
		dropoutRate:      1.0 - keepProb,
		outputProjection: cfg.OutputProjection,
	}
	if d.outputProjection == nil {
		d.outputProjection = ConcatOutputProjection
	}

	// Initial-state policy: explicit override, no encoders, inferred width,
	// or a learned projection to the requested width.
	switch {
	case cfg.EncoderProjection != nil:
		if cfg.RNNSize <= 0 {
			return nil, errors.New("a custom encoder projection requires an explicit RNN size")
		}
		d.rnnSize = cfg.RNNSize
		d.encoderProjection = cfg.EncoderProjection
	case len(encoders) == 0:
		if cfg.RNNSize <= 0 {
			return nil, errors.New("without encoders the RNN size cannot be inferred, set it explicitly")
		}
		d.rnnSize = cfg.RNNSize
		d.encoderProjection = EmptyInitialState
	case cfg.RNNSize <= 0:
		for _, enc := range encoders {
			d.rnnSize += enc.EncodedSize()
		}
		d.encoderProjection = ConcatProjection
	default:
		d.rnnSize = cfg.RNNSize
		d.encoderProjection = LinearProjection(d.dropoutRate)
	}

	d.cell, err = cell.New(kind, d.rnnSize)
	if err != nil {
		return nil, err
	}
	if cfg.ConditionalCell {
		d.condCell, err = cell.New(cell.GRU, d.rnnSize)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case cfg.EmbeddingsSource != nil:
		d.embeddings = borrowEmbeddingTable(cfg.EmbeddingsSource.embeddings)
		d.embeddingSize = d.embeddings.size
		if cfg.EmbeddingSize != 0 && cfg.EmbeddingSize != d.embeddingSize {
			klog.Warningf("Decoder %q: configured embedding size %d overridden by the "+
				"borrowed embedding matrix's size %d.", cfg.DataID, cfg.EmbeddingSize, d.embeddingSize)
		}
	case cfg.EmbeddingSize > 0:
		d.embeddingSize = cfg.EmbeddingSize
		d.embeddings = newEmbeddingTable(ctx, cfg.Vocabulary.Size(), cfg.EmbeddingSize)
	default:
		return nil, errors.New("either an embedding size or an embeddings source must be given")
	}

	// Logit layer, bias-initialized so the initial token prior is uniform.
	vocabSize := cfg.Vocabulary.Size()
	d.logitW = ctx.In("output_projection").
		WithInitializer(initializers.RandomUniformFn(initializationSeed, -0.5, 0.5)).
		VariableWithShape("state_to_word_w", shapes.Make(DType, d.rnnSize, vocabSize))
	d.logitB = ctx.In("output_projection").VariableWithValue("state_to_word_b",
		xslices.SliceWithValue(vocabSize, float32(-math.Log(float64(vocabSize)))))
	return d, nil
}

func countAttentionSources(encoders []Encoder) int {
	count := 0
	for _, enc := range encoders {
		if _, ok := enc.(AttentionSource); ok {
			count++
		}
	}
	return count
}

// RNNSize returns the resolved recurrent state width.
func (d *Decoder) RNNSize() int { return d.rnnSize }

// EmbeddingSize returns the resolved embedding width.
func (d *Decoder) EmbeddingSize() int { return d.embeddingSize }

// Vocabulary returns the target vocabulary.
func (d *Decoder) Vocabulary() *vocab.Vocabulary { return d.cfg.Vocabulary }

// DataID returns the data series this decoder reads its targets from.
func (d *Decoder) DataID() string { return d.cfg.DataID }

// Outputs collects everything one Build produced. The per-step slices all
// have length MaxOutputLen. Train fields are nil when Build ran without
// targets; attention weight fields are nil when attention is off.
type Outputs struct {
	// TrainLogits are the teacher-forced per-step logits, [batch, vocab] each.
	TrainLogits []*Node
	// TrainLogProbs are log-softmaxed TrainLogits.
	TrainLogProbs []*Node
	// TrainXents is the per-example length-normalized cross-entropy, [batch].
	TrainXents *Node
	// TrainLoss is the scalar batch-averaged training loss.
	TrainLoss *Node

	// RuntimeLogits are the free-running per-step logits.
	RuntimeLogits []*Node
	// RuntimeLogProbs are log-softmaxed RuntimeLogits.
	RuntimeLogProbs []*Node
	// RuntimeLoss is the scalar diagnostic loss of the free-running mode.
	// It is detached from the gradient.
	RuntimeLoss *Node
	// RuntimeMask holds, per step, the [batch] boolean flag of examples
	// still unfinished as the step was computed. Non-increasing over steps.
	RuntimeMask []*Node

	// Decoded holds the free-running token ids per step, [batch] int32,
	// always in [1, vocabSize): the padding token is never produced.
	Decoded []*Node
	// DecodedIDs stacks Decoded into [batch, maxOutputLen].
	DecodedIDs *Node

	// TrainAttentionWeights and RuntimeAttentionWeights are indexed by
	// attention source then by step, for visualization.
	TrainAttentionWeights   [][]*Node
	RuntimeAttentionWeights [][]*Node
}

// Build unrolls the decoder on the graph. goSymbols is the [batch] int32
// start-symbol ids. targets and targetWeights are the [batch, maxOutputLen]
// ground-truth token ids and padding weights; they may both be nil, in which
// case only the free-running mode is built and no losses are computed.
//
// The first Build (and within it, the first mode's first step) creates the
// step variables, everything later reuses them.
func (d *Decoder) Build(g *Graph, goSymbols, targets, targetWeights *Node) *Outputs {
	if (targets == nil) != (targetWeights == nil) {
		exceptions.Panicf("decoder %q: targets and targetWeights must be given together", d.cfg.DataID)
	}
	batchSize := goSymbols.Shape().Dimensions[0]
	if targets != nil {
		targets.AssertDims(batchSize, d.cfg.MaxOutputLen)
		targetWeights.AssertDims(batchSize, d.cfg.MaxOutputLen)
	}

	ctx := d.ctx
	if d.built {
		ctx = ctx.Reuse()
	}
	init := d.initialState(ctx, g, batchSize)
	goEmbedded := d.embeddings.Lookup(g, goSymbols)

	out := &Outputs{}
	var train modeOutputs
	if targets != nil {
		train = d.decodingLoop(ctx, g, init, goEmbedded, targets)
		d.built = true
		ctx = d.ctx.Reuse()
		out.TrainLogits = train.logits
		out.TrainLogProbs = logSoftmaxAll(train.logits)
		out.TrainAttentionWeights = train.attWeights
	}
	runtime := d.decodingLoop(ctx, g, init, goEmbedded, nil)
	d.built = true
	out.RuntimeLogits = runtime.logits
	out.RuntimeLogProbs = logSoftmaxAll(runtime.logits)
	out.RuntimeMask = runtime.mask
	out.RuntimeAttentionWeights = runtime.attWeights

	// Greedy decoding never emits the padding token at index 0.
	out.Decoded = make([]*Node, len(runtime.logits))
	for t, logits := range runtime.logits {
		out.Decoded[t] = AddScalar(
			ArgMax(Slice(logits, AxisRange(), AxisRangeToEnd(1)), -1, dtypes.Int32), 1)
	}
	out.DecodedIDs = Stack(out.Decoded, 1)

	if targets != nil {
		d.buildLosses(out, targets, targetWeights)
	}
	return out
}

func logSoftmaxAll(logits []*Node) []*Node {
	result := make([]*Node, len(logits))
	for i, l := range logits {
		result[i] = LogSoftmax(l)
	}
	return result
}
