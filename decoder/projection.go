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
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// EncoderProjectionFn turns the encoder summary vectors into the decoder's
// initial hidden state. The result may be rank-1 [rnnSize] or already
// batched [batchSize, rnnSize]; the decoder broadcasts rank-1 results over
// the batch before use.
type EncoderProjectionFn func(ctx *context.Context, g *Graph, encoded []*Node, rnnSize int) *Node

// EmptyInitialState ignores the encoders and starts decoding from a zero
// state. Used for language-model style decoding without encoders.
func EmptyInitialState(ctx *context.Context, g *Graph, encoded []*Node, rnnSize int) *Node {
	return Zeros(g, shapes.Make(DType, rnnSize))
}

// ConcatProjection concatenates all encoder summaries. The combined width
// must equal rnnSize; this is the policy used when rnnSize is inferred.
func ConcatProjection(ctx *context.Context, g *Graph, encoded []*Node, rnnSize int) *Node {
	return Concatenate(encoded, -1)
}

// LinearProjection returns a projection that maps the concatenated encoder
// summaries to rnnSize through a learned affine layer, with dropout applied
// to the concatenation first.
func LinearProjection(dropoutRate float64) EncoderProjectionFn {
	return func(ctx *context.Context, g *Graph, encoded []*Node, rnnSize int) *Node {
		concatenated := layers.DropoutStatic(ctx, Concatenate(encoded, -1), dropoutRate)
		return layers.DenseWithBias(ctx.In("encoders_projection"), concatenated, rnnSize)
	}
}

// initialState runs the configured projection, applies dropout to its result
// and normalizes it to [batchSize, rnnSize], broadcasting rank-1 results
// over the batch.
func (d *Decoder) initialState(ctx *context.Context, g *Graph, batchSize int) *Node {
	encoded := make([]*Node, len(d.encoders))
	for i, enc := range d.encoders {
		encoded[i] = enc.Encoded(g)
	}
	stateCtx := ctx.In("initial_state")
	state := d.encoderProjection(stateCtx, g, encoded, d.rnnSize)
	state = layers.DropoutStatic(stateCtx, state, d.dropoutRate)
	if state.Rank() == 1 {
		state = BroadcastToDims(InsertAxes(state, 0), batchSize, d.rnnSize)
	}
	state.AssertDims(batchSize, d.rnnSize)
	return state
}
