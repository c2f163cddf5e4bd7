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
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// embeddingTable maps token ids to embedding vectors. It either owns its
// matrix or borrows another decoder's, in which case both decoders share the
// exact same variable and train it jointly.
type embeddingTable struct {
	variable *context.Variable
	size     int
	owned    bool
}

// newEmbeddingTable creates the embedding matrix variable eagerly, so that it
// exists before any graph is built and can be borrowed by other decoders.
func newEmbeddingTable(ctx *context.Context, vocabSize, size int) *embeddingTable {
	v := ctx.In("embeddings").
		WithInitializer(initializers.RandomUniformFn(initializationSeed, -0.5, 0.5)).
		VariableWithShape("word_embeddings", shapes.Make(DType, vocabSize, size))
	return &embeddingTable{variable: v, size: size, owned: true}
}

// borrowEmbeddingTable shares the owner's matrix. The borrowed table is
// read-only in the sense that it never creates the variable itself.
func borrowEmbeddingTable(owner *embeddingTable) *embeddingTable {
	return &embeddingTable{variable: owner.variable, size: owner.size, owned: false}
}

// Lookup embeds the ids without dropout. Used for the start symbol.
func (e *embeddingTable) Lookup(g *Graph, ids *Node) *Node {
	return Gather(e.variable.ValueGraph(g), InsertAxes(ids, -1))
}

// LookupDropout embeds the ids and applies dropout under the ambient
// train-mode switch. Used for all step inputs past the first.
func (e *embeddingTable) LookupDropout(ctx *context.Context, g *Graph, ids *Node, dropoutRate float64) *Node {
	return layers.DropoutStatic(ctx, e.Lookup(g, ids), dropoutRate)
}
