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
	"fmt"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// Encoder is the decoder's view of an upstream encoder: a fixed-size summary
// vector per batch element, used to derive the decoder's initial state.
type Encoder interface {
	// EncodedSize returns the width of the summary vector.
	EncodedSize() int

	// Encoded returns the summary, shaped [batchSize, EncodedSize()].
	Encoded(g *graph.Graph) *graph.Node
}

// AttentionSource is an encoder the decoder can attend over. One Attention
// object is created per execution mode; the objects are distinct but create
// their variables in the same context scope, so their parameters are shared.
type AttentionSource interface {
	Encoder

	// AttentionSize returns the width of the context vectors Attend produces.
	AttentionSize() int

	// NewAttention creates an attention object for one execution mode. All
	// trainable variables must be created here, not in Attend, because Attend
	// runs under a reused context scope on every decoding step.
	NewAttention(ctx *context.Context, g *graph.Graph) Attention
}

// Attention computes one context vector per decoding step.
//
// Attend receives the current cell output, a query derived from the prior
// decoder state (the hidden vector for simple states, the memory vector for
// dual states) and the fused step input. It returns the context vector shaped
// [batchSize, AttentionSize()] and the attention distribution over the source
// positions, usable for visualization.
type Attention interface {
	Attend(state, query, input *graph.Node) (attnContext, weights *graph.Node)
}

// boundAttention associates an attention object with the index of the encoder
// it came from. The association is positional, rebuilt once per mode.
type boundAttention struct {
	encoderIndex int
	source       AttentionSource
	att          Attention
}

// bindAttentions creates the per-mode attention objects, index-aligned with
// the decoder's encoder list. Scopes are derived from the encoder index so
// both modes bind to the same parameters.
func (d *Decoder) bindAttentions(ctx *context.Context, g *graph.Graph) []boundAttention {
	if !d.cfg.UseAttention {
		return nil
	}
	var bound []boundAttention
	for i, enc := range d.encoders {
		source, ok := enc.(AttentionSource)
		if !ok {
			continue
		}
		attCtx := ctx.In(fmt.Sprintf("attention_%d", i))
		bound = append(bound, boundAttention{
			encoderIndex: i,
			source:       source,
			att:          source.NewAttention(attCtx, g),
		})
	}
	return bound
}

// zeroContexts returns the initial, all-zero attention context for every
// bound source.
func zeroContexts(g *graph.Graph, batchSize int, bound []boundAttention) []*graph.Node {
	contexts := make([]*graph.Node, len(bound))
	for i, b := range bound {
		contexts[i] = graph.Zeros(g, shapes.Make(DType, batchSize, b.source.AttentionSize()))
	}
	return contexts
}
