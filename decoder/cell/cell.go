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

// Package cell implements the recurrent cells driven by the sequence decoder:
// a GRU and an LSTM, unrolled one step at a time on the computation graph.
//
// Both cells create their variables lazily on the first Step call, within the
// scope of the context they are given. Callers that unroll several steps must
// mark the context reused after the first step.
package cell

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// Kind selects the recurrent cell architecture.
type Kind int

const (
	// GRU is a gated recurrent unit with a single hidden state.
	GRU Kind = iota

	// LSTM is a long short-term memory cell with a hidden and a memory state.
	LSTM
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case GRU:
		return "GRU"
	case LSTM:
		return "LSTM"
	default:
		return "Kind(?)"
	}
}

// KindFromString parses the cell kind names accepted in configuration.
func KindFromString(name string) (Kind, error) {
	switch name {
	case "GRU", "gru":
		return GRU, nil
	case "LSTM", "lstm":
		return LSTM, nil
	}
	return GRU, errors.Errorf("unknown RNN cell %q, choose \"GRU\" or \"LSTM\"", name)
}

// StateKind distinguishes single-vector states (GRU) from hidden/memory
// pairs (LSTM).
type StateKind int

const (
	// Simple states carry only a hidden vector.
	Simple StateKind = iota

	// Dual states carry a hidden vector and a separate memory vector.
	Dual
)

// State is a recurrent state at one position of the unrolled sequence.
// Hidden is always set. Memory is set only for Dual states.
type State struct {
	Kind           StateKind
	Hidden, Memory *graph.Node
}

// AttentionQuery returns the component of the state used to query attention:
// the hidden vector for Simple states, the memory vector for Dual states.
func (s State) AttentionQuery() *graph.Node {
	if s.Kind == Dual {
		return s.Memory
	}
	return s.Hidden
}

// Cell is one recurrent cell, applied to one sequence position at a time.
//
// Step builds the graph for a single transition. Implementations create their
// variables in the given context scope, so repeated calls must share the same
// scope and all calls past the first must use a reused context.
type Cell interface {
	Kind() Kind
	Size() int

	// Initial wraps the projected initial state into this cell's state form.
	Initial(hidden *graph.Node) State

	// Step consumes the input embedding and the previous state, and returns
	// the cell output and the next state. For both cells here the output is
	// the next hidden vector.
	Step(ctx *context.Context, input *graph.Node, prev State) (output *graph.Node, next State)
}

// New creates a cell of the given kind and hidden size.
func New(kind Kind, size int) (Cell, error) {
	if size <= 0 {
		return nil, errors.Errorf("cell size must be positive, got %d", size)
	}
	switch kind {
	case GRU:
		return &gruCell{size: size}, nil
	case LSTM:
		return &lstmCell{size: size}, nil
	}
	return nil, errors.Errorf("unknown cell kind %d", kind)
}

// linear applies x@w+b with variables created in the given scope.
// The bias initializer overrides the context's initializer.
func linear(ctx *context.Context, x *graph.Node, outputDim int, biasInit context.VariableInitializer) *graph.Node {
	g := x.Graph()
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	wVar := ctx.VariableWithShape("weights", shapes.Make(x.DType(), inputDim, outputDim))
	bVar := ctx.WithInitializer(biasInit).VariableWithShape("biases", shapes.Make(x.DType(), outputDim))
	return graph.Add(graph.Dot(x, wVar.ValueGraph(g)), graph.InsertAxes(bVar.ValueGraph(g), 0))
}

// gruCell follows the standard GRU formulation, with the reset and update
// gate biases initialized to one so early training keeps state flowing.
type gruCell struct {
	size int
}

func (c *gruCell) Kind() Kind { return GRU }
func (c *gruCell) Size() int  { return c.size }

func (c *gruCell) Initial(hidden *graph.Node) State {
	return State{Kind: Simple, Hidden: hidden}
}

func (c *gruCell) Step(ctx *context.Context, input *graph.Node, prev State) (*graph.Node, State) {
	h0 := prev.Hidden
	joined := graph.Concatenate([]*graph.Node{input, h0}, -1)
	gates := graph.Sigmoid(linear(ctx.In("gates"), joined, 2*c.size, initializers.One))
	reset := graph.Slice(gates, graph.AxisRange(), graph.AxisRangeFromStart(c.size))
	update := graph.Slice(gates, graph.AxisRange(), graph.AxisRangeToEnd(c.size))
	candidate := graph.Tanh(linear(ctx.In("candidate"),
		graph.Concatenate([]*graph.Node{input, graph.Mul(reset, h0)}, -1),
		c.size, initializers.Zero))
	h1 := graph.Add(graph.Mul(update, h0), graph.Mul(graph.OneMinus(update), candidate))
	return h1, State{Kind: Simple, Hidden: h1}
}

// lstmCell is a standard LSTM with a forget-gate bias of one.
type lstmCell struct {
	size int
}

func (c *lstmCell) Kind() Kind { return LSTM }
func (c *lstmCell) Size() int  { return c.size }

// Initial uses the projected vector as both memory and hidden state.
func (c *lstmCell) Initial(hidden *graph.Node) State {
	return State{Kind: Dual, Hidden: hidden, Memory: hidden}
}

func (c *lstmCell) Step(ctx *context.Context, input *graph.Node, prev State) (*graph.Node, State) {
	h0, c0 := prev.Hidden, prev.Memory
	joined := graph.Concatenate([]*graph.Node{input, h0}, -1)
	projected := linear(ctx.In("gates"), joined, 4*c.size, initializers.Zero)
	inputGate := graph.Sigmoid(slicePart(projected, 0, c.size))
	// Forget bias of one, folded into the activation instead of the variable
	// so the gates share one weights matrix.
	forgetGate := graph.Sigmoid(graph.OnePlus(slicePart(projected, 1, c.size)))
	candidate := graph.Tanh(slicePart(projected, 2, c.size))
	outputGate := graph.Sigmoid(slicePart(projected, 3, c.size))
	c1 := graph.Add(graph.Mul(forgetGate, c0), graph.Mul(inputGate, candidate))
	h1 := graph.Mul(outputGate, graph.Tanh(c1))
	return h1, State{Kind: Dual, Hidden: h1, Memory: c1}
}

// slicePart takes the idx-th chunk of the given size along the last axis.
func slicePart(x *graph.Node, idx, size int) *graph.Node {
	return graph.Slice(x, graph.AxisRange(), graph.AxisRange(idx*size, (idx+1)*size))
}
