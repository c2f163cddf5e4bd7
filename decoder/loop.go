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
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/mlappe/neuralmonkey/vocab"
)

// modeOutputs is what one unrolled decoding mode produces. mask[t] is the
// [batch] boolean "still unfinished when step t ran" flag; attWeights is
// indexed by attention source, then by step.
type modeOutputs struct {
	logits     []*Node
	mask       []*Node
	attWeights [][]*Node
}

// decodingLoop unrolls one execution mode over the fixed horizon. With
// targets it runs teacher-forced, feeding ground-truth previous tokens;
// without, it runs free, feeding its own argmax predictions.
//
// All steps are always computed: finishing only masks, it never exits early,
// keeping the unrolled graph static.
func (d *Decoder) decodingLoop(ctx *context.Context, g *Graph, init, goEmbedded, targets *Node) modeOutputs {
	batchSize := goEmbedded.Shape().Dimensions[0]
	bound := d.bindAttentions(ctx, g)
	contexts := zeroContexts(g, batchSize, bound)
	state := d.cell.Initial(init)
	finished := Zeros(g, shapes.Make(dtypes.Bool, batchSize))
	endToken := Scalar(g, dtypes.Int32, vocab.EndID)

	mo := modeOutputs{attWeights: make([][]*Node, len(bound))}
	for t := 0; t < d.cfg.MaxOutputLen; t++ {
		stepCtx := ctx
		if t > 0 {
			stepCtx = ctx.Reuse()
		}

		var input *Node
		switch {
		case t == 0:
			// The start symbol is embedded without dropout in both modes.
			input = goEmbedded
		case targets != nil:
			prevIDs := Squeeze(Slice(targets, AxisRange(), AxisElem(t-1)), -1)
			input = d.embeddings.LookupDropout(stepCtx, g, prevIDs, d.dropoutRate)
		default:
			prevIDs := ArgMax(mo.logits[t-1], -1, dtypes.Int32)
			input = d.embeddings.LookupDropout(stepCtx, g, prevIDs, d.dropoutRate)
		}

		logits, next, nextContexts, weights := d.step(stepCtx, g, bound, input, state, contexts)
		state, contexts = next, nextContexts
		mo.logits = append(mo.logits, logits)
		for s, w := range weights {
			mo.attWeights[s] = append(mo.attWeights[s], w)
		}

		// The step where the end token first appears still counts as
		// unmasked, so the mask is recorded before the finished update.
		mo.mask = append(mo.mask, Not(finished))
		finished = Or(finished, Equal(ArgMax(logits, -1, dtypes.Int32), endToken))
	}
	return mo
}
