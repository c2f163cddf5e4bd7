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

package decoder

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/mlappe/neuralmonkey/attention"
	"github.com/mlappe/neuralmonkey/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// testEncoder is a deterministic stand-in for a real encoder: its summary
// and attention states are scaled iotas, no variables involved.
type testEncoder struct {
	batchSize, size int

	// attendable, if set, makes the encoder an attention source with the
	// given sequence length and scoring width.
	attendable bool
	sourceLen  int
	scoreSize  int
	querySize  int
}

func (e *testEncoder) EncodedSize() int { return e.size }

func (e *testEncoder) Encoded(g *Graph) *Node {
	return MulScalar(IotaFull(g, shapes.Make(DType, e.batchSize, e.size)), 0.01)
}

type attendableEncoder struct {
	testEncoder
}

func (e *attendableEncoder) AttentionSize() int { return e.size }

func (e *attendableEncoder) states(g *Graph) *Node {
	return MulScalar(IotaFull(g, shapes.Make(DType, e.batchSize, e.sourceLen, e.size)), 0.01)
}

func (e *attendableEncoder) NewAttention(ctx *context.Context, g *Graph) Attention {
	return attention.NewAdditive(ctx, e.states(g), e.querySize, e.scoreSize)
}

func testVocabulary() *vocab.Vocabulary {
	return vocab.New("a", "b", "c", "d", "e", "f")
}

func TestConfigValidation(t *testing.T) {
	v := testVocabulary()
	enc := &testEncoder{batchSize: 2, size: 4}
	base := Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  5,
		EmbeddingSize: 8,
	}
	for name, mutate := range map[string]func(*Config){
		"missing vocabulary":        func(c *Config) { c.Vocabulary = nil },
		"missing data id":           func(c *Config) { c.DataID = "" },
		"missing horizon":           func(c *Config) { c.MaxOutputLen = 0 },
		"missing embedding size":    func(c *Config) { c.EmbeddingSize = 0 },
		"bad keep probability":      func(c *Config) { c.DropoutKeepProb = 1.5 },
		"unknown cell":              func(c *Config) { c.RNNCell = "transformer" },
		"conditional without GRU":   func(c *Config) { c.ConditionalCell = true; c.UseAttention = true; c.RNNCell = "LSTM" },
		"conditional no attention":  func(c *Config) { c.ConditionalCell = true },
		"custom projection no size": func(c *Config) { c.EncoderProjection = EmptyInitialState },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := New(context.New(), []Encoder{enc}, cfg)
			require.Error(t, err)
		})
	}

	// Without encoders the state width cannot be inferred.
	_, err := New(context.New(), nil, base)
	require.Error(t, err)
	base.RNNSize = 6
	d, err := New(context.New(), nil, base)
	require.NoError(t, err)
	assert.Equal(t, 6, d.RNNSize())
}

func TestRNNSizeInference(t *testing.T) {
	v := testVocabulary()
	encoders := []Encoder{
		&testEncoder{batchSize: 2, size: 4},
		&testEncoder{batchSize: 2, size: 3},
	}
	d, err := New(context.New(), encoders, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  5,
		EmbeddingSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, d.RNNSize())
}

func TestShapesAndDecodedRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 3
		horizon   = 4
		rnnSize   = 6
	)
	v := testVocabulary()
	ctx := context.New()
	enc := &attendableEncoder{testEncoder{
		batchSize: batchSize, size: 5,
		attendable: true, sourceLen: 7, scoreSize: 8, querySize: rnnSize,
	}}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:       v,
		DataID:           "target",
		MaxOutputLen:     horizon,
		RNNSize:          rnnSize,
		EmbeddingSize:    8,
		UseAttention:     true,
		AttentionOnInput: true,
	})
	require.NoError(t, err)

	feeds, err := d.MakeFeeds(batchSize, [][]string{{"a", "b"}, {"c"}, {"d", "e", "f"}}, true)
	require.NoError(t, err)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		out := d.Build(g,
			Const(g, feeds.GoSymbols), Const(g, feeds.Targets), Const(g, feeds.TargetWeights))
		require.Len(t, out.TrainLogits, horizon)
		require.Len(t, out.RuntimeLogits, horizon)
		require.Len(t, out.Decoded, horizon)
		for i := 0; i < horizon; i++ {
			out.TrainLogits[i].AssertDims(batchSize, v.Size())
			out.RuntimeLogits[i].AssertDims(batchSize, v.Size())
			out.TrainLogProbs[i].AssertDims(batchSize, v.Size())
			out.Decoded[i].AssertDims(batchSize)
		}
		require.Len(t, out.RuntimeAttentionWeights, 1)
		require.Len(t, out.RuntimeAttentionWeights[0], horizon)
		out.RuntimeAttentionWeights[0][0].AssertDims(batchSize, enc.sourceLen)
		return []*Node{out.DecodedIDs, out.TrainLoss, out.RuntimeLoss}
	})
	results := exec.Call()
	decoded := results[0].Value().([][]int32)
	for _, row := range decoded {
		for _, id := range row {
			assert.GreaterOrEqual(t, id, int32(1))
			assert.Less(t, id, int32(v.Size()))
		}
	}
	trainLoss := tensors.ToScalar[float32](results[1])
	assert.Greater(t, trainLoss, float32(0))
	runtimeLoss := tensors.ToScalar[float32](results[2])
	assert.Greater(t, runtimeLoss, float32(0))
}

// TestBareCellReduction checks that with attention off and the pass-through
// output projection, the teacher-forced unroll is exactly the bare cell over
// the step embeddings followed by the logit layer.
func TestBareCellReduction(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 2
		horizon   = 3
		rnnSize   = 4
	)
	v := testVocabulary()
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: rnnSize}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:       v,
		DataID:           "target",
		MaxOutputLen:     horizon,
		EmbeddingSize:    8,
		OutputProjection: NoOutputProjection,
	})
	require.NoError(t, err)
	require.Equal(t, rnnSize, d.RNNSize())

	feeds, err := d.MakeFeeds(batchSize, [][]string{{"a", "b"}, {"c", "d"}}, true)
	require.NoError(t, err)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		goSymbols := Const(g, feeds.GoSymbols)
		targets := Const(g, feeds.Targets)
		out := d.Build(g, goSymbols, targets, Const(g, feeds.TargetWeights))

		// Manual unroll over the same variables: the summary vector is the
		// initial state (concatenation policy, single encoder), embeddings
		// feed the cell directly, the logit layer maps its output.
		cellCtx := ctx.In("decoder").Reuse().In("cell")
		state := d.cell.Initial(enc.Encoded(g))
		var diff *Node
		for i := 0; i < horizon; i++ {
			var input *Node
			if i == 0 {
				input = d.embeddings.Lookup(g, goSymbols)
			} else {
				prev := Squeeze(Slice(targets, AxisRange(), AxisElem(i-1)), -1)
				input = d.embeddings.Lookup(g, prev)
			}
			var output *Node
			output, state = d.cell.Step(cellCtx, input, state)
			logits := Add(Dot(output, d.logitW.ValueGraph(g)), InsertAxes(d.logitB.ValueGraph(g), 0))
			stepDiff := ReduceAllSum(Abs(Sub(out.TrainLogits[i], logits)))
			if diff == nil {
				diff = stepDiff
			} else {
				diff = Add(diff, stepDiff)
			}
		}
		return diff
	})
	results := exec.Call()
	assert.InDelta(t, 0.0, float64(tensors.ToScalar[float32](results[0])), 1e-5)
}

// TestStepZeroIndependence checks that the first teacher-forced step only
// sees the start symbol, never the targets.
func TestStepZeroIndependence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 2
	v := testVocabulary()
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: 4}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  3,
		EmbeddingSize: 8,
	})
	require.NoError(t, err)

	feedsA, err := d.MakeFeeds(batchSize, [][]string{{"a", "b"}, {"c", "d"}}, true)
	require.NoError(t, err)
	feedsB, err := d.MakeFeeds(batchSize, [][]string{{"f", "e"}, {"b", "a"}}, true)
	require.NoError(t, err)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		goSymbols := Const(g, feedsA.GoSymbols)
		outA := d.Build(g, goSymbols, Const(g, feedsA.Targets), Const(g, feedsA.TargetWeights))
		outB := d.Build(g, goSymbols, Const(g, feedsB.Targets), Const(g, feedsB.TargetWeights))
		firstStepDiff := ReduceAllSum(Abs(Sub(outA.TrainLogits[0], outB.TrainLogits[0])))
		laterStepDiff := ReduceAllSum(Abs(Sub(outA.TrainLogits[1], outB.TrainLogits[1])))
		return []*Node{firstStepDiff, laterStepDiff}
	})
	results := exec.Call()
	assert.InDelta(t, 0.0, float64(tensors.ToScalar[float32](results[0])), 1e-6)
	assert.Greater(t, tensors.ToScalar[float32](results[1]), float32(0))
}

func TestBorrowedEmbeddings(t *testing.T) {
	v := testVocabulary()
	ctx := context.New()
	enc := &testEncoder{batchSize: 2, size: 4}
	owner, err := New(ctx.In("owner"), []Encoder{enc}, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  5,
		EmbeddingSize: 16,
	})
	require.NoError(t, err)

	borrower, err := New(ctx.In("borrower"), []Encoder{enc}, Config{
		Vocabulary:       v,
		DataID:           "target2",
		MaxOutputLen:     5,
		EmbeddingSize:    32, // Overridden by the borrowed matrix, with a warning.
		EmbeddingsSource: owner,
	})
	require.NoError(t, err)
	assert.Same(t, owner.embeddings.variable, borrower.embeddings.variable)
	assert.Equal(t, 16, borrower.EmbeddingSize())
	assert.True(t, owner.embeddings.owned)
	assert.False(t, borrower.embeddings.owned)
}

// TestConditionalCellGradient checks the conditional step is on the loss
// path: its parameters must receive gradient, and the returned step state
// must differ from the base cell's.
func TestConditionalCellGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 2
		rnnSize   = 4
	)
	v := testVocabulary()
	ctx := context.New()
	enc := &attendableEncoder{testEncoder{
		batchSize: batchSize, size: 8,
		attendable: true, sourceLen: 5, scoreSize: 6, querySize: rnnSize,
	}}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:      v,
		DataID:          "target",
		MaxOutputLen:    3,
		RNNSize:         rnnSize,
		EmbeddingSize:   8,
		UseAttention:    true,
		ConditionalCell: true,
	})
	require.NoError(t, err)
	require.NotNil(t, d.condCell)

	feeds, err := d.MakeFeeds(batchSize, [][]string{{"a", "b"}, {"c"}}, true)
	require.NoError(t, err)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		out := d.Build(g,
			Const(g, feeds.GoSymbols), Const(g, feeds.Targets), Const(g, feeds.TargetWeights))
		condWeights := ctx.InspectVariable("/decoder/conditional_cell/gates", "weights")
		require.NotNil(t, condWeights)
		grad := Gradient(out.TrainLoss, condWeights.ValueGraph(g))[0]
		return ReduceAllSum(Abs(grad))
	})
	results := exec.Call()
	assert.Greater(t, tensors.ToScalar[float32](results[0]), float32(0))
}

// TestEndTokenMasking rigs the logit bias so the end token always wins the
// argmax: every example finishes at step 0 and only step 0 contributes to
// the loss mask.
func TestEndTokenMasking(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 2
		horizon   = 5
	)
	v := vocab.New("t4", "t5", "t6", "t7", "t8", "t9") // Size 10.
	require.Equal(t, 10, v.Size())
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: 4}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  horizon,
		EmbeddingSize: 8,
	})
	require.NoError(t, err)

	// Bias dominates the logits, argmax is always the end token.
	bias := make([]float32, v.Size())
	for i := range bias {
		bias[i] = -1000
	}
	bias[vocab.EndID] = 1000
	d.logitB.SetValue(tensors.FromValue(bias))

	targets := make([][]int32, batchSize)
	weights := make([][]float32, batchSize)
	for i := range targets {
		targets[i] = make([]int32, horizon)
		weights[i] = make([]float32, horizon)
		for j := range targets[i] {
			targets[i][j] = vocab.EndID
			weights[i][j] = 1.0
		}
	}
	goSymbols := make([]int32, batchSize)
	for i := range goSymbols {
		goSymbols[i] = vocab.StartID
	}

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		out := d.Build(g,
			Const(g, tensors.FromValue(goSymbols)),
			Const(g, tensors.FromValue(targets)),
			Const(g, tensors.FromValue(weights)))
		mask := ConvertDType(Stack(out.RuntimeMask, 1), DType)
		return []*Node{mask, out.TrainXents, out.TrainLoss}
	})
	results := exec.Call()

	mask := results[0].Value().([][]float32)
	for _, row := range mask {
		assert.Equal(t, []float32{1, 0, 0, 0, 0}, row)
	}

	// Every position targets the end token the rigged bias predicts, so the
	// cross-entropy is almost zero at every step.
	xents := results[1].Value().([]float32)
	for _, xent := range xents {
		assert.InDelta(t, 0.0, float64(xent), 1e-3)
	}
	assert.InDelta(t, 0.0, float64(tensors.ToScalar[float32](results[2])), 1e-3)
}

// TestTrainLossAfterSpuriousEnd checks that an early end-token prediction
// does not hide later supervised positions from the training loss: gating is
// the data padding weights' job, not the finished mask's.
func TestTrainLossAfterSpuriousEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 2
		horizon   = 5
	)
	v := vocab.New("t4", "t5", "t6", "t7", "t8", "t9") // Size 10.
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: 4}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  horizon,
		EmbeddingSize: 8,
	})
	require.NoError(t, err)

	// Bias dominates the logits, argmax is always the end token, so the
	// finished flag fires at step 0 in both modes.
	bias := make([]float32, v.Size())
	for i := range bias {
		bias[i] = -1000
	}
	bias[vocab.EndID] = 1000
	d.logitB.SetValue(tensors.FromValue(bias))

	// Targets continue past the end token with fully weighted real tokens
	// the rigged bias gets maximally wrong.
	wrongID := int32(v.ID("t4"))
	targets := make([][]int32, batchSize)
	weights := make([][]float32, batchSize)
	for i := range targets {
		targets[i] = []int32{vocab.EndID, wrongID, wrongID, wrongID, wrongID}
		weights[i] = []float32{1, 1, 1, 1, 1}
	}
	goSymbols := make([]int32, batchSize)
	for i := range goSymbols {
		goSymbols[i] = vocab.StartID
	}

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		out := d.Build(g,
			Const(g, tensors.FromValue(goSymbols)),
			Const(g, tensors.FromValue(targets)),
			Const(g, tensors.FromValue(weights)))
		mask := ConvertDType(Stack(out.RuntimeMask, 1), DType)
		return []*Node{mask, out.TrainXents, out.TrainLoss}
	})
	results := exec.Call()

	// The diagnostic mask still reflects the early finish.
	mask := results[0].Value().([][]float32)
	for _, row := range mask {
		assert.Equal(t, []float32{1, 0, 0, 0, 0}, row)
	}

	// Steps 1 to 4 each contribute a cross-entropy near the 2000 logit gap;
	// averaged over 5 weighted positions the loss stays far from zero.
	xents := results[1].Value().([]float32)
	for _, xent := range xents {
		assert.Greater(t, float64(xent), 100.0)
	}
	assert.Greater(t, float64(tensors.ToScalar[float32](results[2])), 100.0)
}

// TestInitialStateDropout checks dropout is applied to the projected initial
// state itself, for every projection policy, not only inside the learned
// linear projection.
func TestInitialStateDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 2
	v := testVocabulary()
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: 8}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:        v,
		DataID:            "target",
		MaxOutputLen:      3,
		EmbeddingSize:     8,
		DropoutKeepProb:   0.1,
		EncoderProjection: ConcatProjection,
	})
	require.NoError(t, err)

	stateAndEncoded := func(train bool) func(ctx *context.Context, g *Graph) []*Node {
		return func(ctx *context.Context, g *Graph) []*Node {
			ctx.SetTraining(g, train)
			state := d.initialState(d.ctx, g, batchSize)
			return []*Node{state, enc.Encoded(g)}
		}
	}

	// Training mode: kept entries are rescaled by the keep probability and
	// dropped ones zeroed, so the state differs from the plain concatenation.
	results := context.NewExec(backend, ctx, stateAndEncoded(true)).Call()
	assert.NotEqual(t, results[1].Value().([][]float32), results[0].Value().([][]float32))

	// Inference mode: dropout is a no-op and the concatenation passes
	// through untouched.
	results = context.NewExec(backend, ctx, stateAndEncoded(false)).Call()
	assert.Equal(t, results[1].Value().([][]float32), results[0].Value().([][]float32))
}

// TestMaskMonotonic checks the finished flag never reverts to unfinished.
func TestMaskMonotonic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 4
		horizon   = 6
	)
	v := testVocabulary()
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: 4}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  horizon,
		EmbeddingSize: 8,
	})
	require.NoError(t, err)

	feeds, err := d.MakeFeeds(batchSize, nil, false)
	require.NoError(t, err)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		out := d.Build(g, Const(g, feeds.GoSymbols), nil, nil)
		assert.Nil(t, out.TrainLogits)
		assert.Nil(t, out.TrainLoss)
		return ConvertDType(Stack(out.RuntimeMask, 1), DType)
	})
	results := exec.Call()
	mask := results[0].Value().([][]float32)
	for _, row := range mask {
		for i := 1; i < len(row); i++ {
			assert.LessOrEqual(t, row[i], row[i-1])
		}
	}
}

// TestDeterminism runs the same free-running batch twice and expects
// identical decoded sequences, dropout disabled by the keep-all probability.
func TestDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 3
	v := testVocabulary()
	ctx := context.New()
	enc := &testEncoder{batchSize: batchSize, size: 4}
	d, err := New(ctx.In("decoder"), []Encoder{enc}, Config{
		Vocabulary:      v,
		DataID:          "target",
		MaxOutputLen:    5,
		EmbeddingSize:   8,
		DropoutKeepProb: 1.0,
	})
	require.NoError(t, err)

	feeds, err := d.MakeFeeds(batchSize, nil, false)
	require.NoError(t, err)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		out := d.Build(g, Const(g, feeds.GoSymbols), nil, nil)
		return out.DecodedIDs
	})
	first := exec.Call()[0].Value().([][]int32)
	second := exec.Call()[0].Value().([][]int32)
	assert.Equal(t, first, second)
}

func TestMakeFeeds(t *testing.T) {
	v := testVocabulary()
	enc := &testEncoder{batchSize: 2, size: 4}
	d, err := New(context.New(), []Encoder{enc}, Config{
		Vocabulary:    v,
		DataID:        "target",
		MaxOutputLen:  4,
		EmbeddingSize: 8,
	})
	require.NoError(t, err)

	_, err = d.MakeFeeds(2, nil, true)
	require.Error(t, err) // Training requires targets.
	_, err = d.MakeFeeds(2, [][]string{{"a"}}, true)
	require.Error(t, err) // Batch size mismatch.

	feeds, err := d.MakeFeeds(2, nil, false)
	require.NoError(t, err)
	assert.Nil(t, feeds.Targets)
	assert.Equal(t, []int32{vocab.StartID, vocab.StartID}, feeds.GoSymbols.Value())

	feeds, err = d.FeedsFromDataset(map[string][][]string{
		"target": {{"a", "b"}, {"c"}},
	}, true)
	require.NoError(t, err)
	require.NotNil(t, feeds.Targets)
	assert.Equal(t, []int{2, 4}, feeds.Targets.Shape().Dimensions)

	_, err = d.FeedsFromDataset(map[string][][]string{"other": {{"a"}}}, true)
	require.Error(t, err)
}
