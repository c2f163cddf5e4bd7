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
	"github.com/mlappe/neuralmonkey/decoder/cell"
)

// OutputProjectionFn combines the cell output with the attention contexts
// into the vector fed to the logit layer, shaped [batchSize, rnnSize].
type OutputProjectionFn func(ctx *context.Context, cellOutput *Node, attnContexts []*Node, rnnSize int) *Node

// ConcatOutputProjection is the default: a learned affine map from the
// concatenation of the cell output and all attention contexts back to
// rnnSize. Without attention contexts it passes the cell output through.
func ConcatOutputProjection(ctx *context.Context, cellOutput *Node, attnContexts []*Node, rnnSize int) *Node {
	if len(attnContexts) == 0 {
		return cellOutput
	}
	joined := Concatenate(append([]*Node{cellOutput}, attnContexts...), -1)
	return layers.DenseWithBias(ctx, joined, rnnSize)
}

// NoOutputProjection always passes the cell output through unchanged.
func NoOutputProjection(ctx *context.Context, cellOutput *Node, attnContexts []*Node, rnnSize int) *Node {
	return cellOutput
}

// step builds one decoding transition: input fusion, base recurrence,
// attention, the optional conditional recurrence and the logit layer.
//
// The attention query is derived from the state prior to the base
// recurrence, while the contexts condition on the fresh cell output.
func (d *Decoder) step(ctx *context.Context, g *Graph, bound []boundAttention,
	input *Node, prev cell.State, prevContexts []*Node) (
	logits *Node, next cell.State, contexts, weights []*Node) {

	x := input
	if d.cfg.AttentionOnInput && len(prevContexts) > 0 {
		joined := Concatenate(append([]*Node{input}, prevContexts...), -1)
		x = layers.DenseWithBias(ctx.In("input_projection"), joined, d.embeddingSize)
	}

	query := prev.AttentionQuery()
	output, next := d.cell.Step(ctx.In("cell"), x, prev)

	contexts = make([]*Node, len(bound))
	weights = make([]*Node, len(bound))
	for i, b := range bound {
		contexts[i], weights[i] = b.att.Attend(output, query, x)
	}

	// The conditional step folds the fresh contexts into the state and
	// replaces both the output and the state of the base recurrence.
	if d.condCell != nil && len(bound) > 0 {
		condInput := Concatenate(contexts, -1)
		output, next = d.condCell.Step(ctx.In("conditional_cell"), condInput, next)
	}

	projected := d.outputProjection(ctx.In("rnn_output_projection"), output, contexts, d.rnnSize)
	dropped := layers.DropoutStatic(ctx, projected, d.dropoutRate)
	logits = Add(Dot(dropped, d.logitW.ValueGraph(g)), InsertAxes(d.logitB.ValueGraph(g), 0))
	return
}
