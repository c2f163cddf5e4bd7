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

// Package attention provides attention mechanisms encoders can hand to the
// sequence decoder. Additive is the classic feed-forward scoring over a
// sequence of encoder states.
package attention

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Additive scores every source position with a small feed-forward network,
// score(s) = v . tanh(Wk*state_s + Wq*decoderState), and returns the
// softmax-weighted average of the source states as context.
//
// One Additive binds to one graph: the source states node is baked in at
// construction, NewAdditive is called again for every execution mode.
// Variables are created (or reused, depending on the context's reuse phase)
// at construction only, so Attend can run under reused scopes every step.
type Additive struct {
	states   *Node // [batchSize, sourceLen, valueSize]
	features *Node // [batchSize, sourceLen, hiddenSize], precomputed keys
	queryW   *context.Variable
	scoreV   *context.Variable
}

// NewAdditive creates an additive attention over the states, shaped
// [batchSize, sourceLen, valueSize], for one execution mode. querySize must
// match the width of the decoder state passed to Attend later. hiddenSize is
// the width of the scoring network.
func NewAdditive(ctx *context.Context, states *Node, querySize, hiddenSize int) *Additive {
	g := states.Graph()
	states.AssertRank(3)
	valueSize := states.Shape().Dimensions[2]
	dtype := states.DType()

	keyW := ctx.VariableWithShape("key_weights", shapes.Make(dtype, valueSize, hiddenSize))
	keyB := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("key_biases", shapes.Make(dtype, hiddenSize))
	a := &Additive{
		states: states,
		features: Add(
			Einsum("bsv,vh->bsh", states, keyW.ValueGraph(g)),
			InsertAxes(keyB.ValueGraph(g), 0, 0)),
		queryW: ctx.VariableWithShape("query_weights", shapes.Make(dtype, querySize, hiddenSize)),
		scoreV: ctx.VariableWithShape("similarity", shapes.Make(dtype, hiddenSize)),
	}
	return a
}

// AttentionSize returns the width of the context vectors, the source states'
// value width.
func (a *Additive) AttentionSize() int {
	return a.states.Shape().Dimensions[2]
}

// Attend computes the context vector for one decoding step. Scoring uses the
// current decoder state; the prior-state query and the step input are not
// consulted by this mechanism.
func (a *Additive) Attend(state, query, input *Node) (attnContext, weights *Node) {
	g := state.Graph()
	queryFeatures := Dot(state, a.queryW.ValueGraph(g))
	activated := Tanh(Add(a.features, InsertAxes(queryFeatures, 1)))
	scores := ReduceSum(Mul(activated, InsertAxes(a.scoreV.ValueGraph(g), 0, 0)), -1)
	weights = Softmax(scores)
	attnContext = Einsum("bs,bsv->bv", weights, a.states)
	return
}
