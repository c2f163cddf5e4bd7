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

// Package regressor implements a scalar sequence regressor: a feed-forward
// network over the concatenated encoder summaries predicting one real value
// per example, trained with mean squared error. It is the non-autoregressive
// sibling of the sequence decoder, sharing the same encoder interface.
package regressor

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/mlappe/neuralmonkey/decoder"
	"github.com/pkg/errors"
)

// Config for a Regressor. DataID is required; the zero values of the rest
// give a plain linear regression without hidden layers or dropout.
type Config struct {
	// DataID names the data series with the target values.
	DataID string

	// NumHiddenLayers and HiddenSize shape the feed-forward network. Zero
	// hidden layers make the predictor a linear map.
	NumHiddenLayers int
	HiddenSize      int

	// Activation of the hidden layers, by name ("tanh", "relu", ...).
	// Empty selects the default.
	Activation string

	// DropoutKeepProb is the probability of keeping an activation on the
	// network input. Zero means 1.0 (no dropout).
	DropoutKeepProb float64
}

// Regressor predicts one scalar per batch example from the encoders.
type Regressor struct {
	ctx         *context.Context
	cfg         Config
	encoders    []decoder.Encoder
	dropoutRate float64
}

// New validates the configuration. Variables are created on the first Build.
func New(ctx *context.Context, encoders []decoder.Encoder, cfg Config) (*Regressor, error) {
	if cfg.DataID == "" {
		return nil, errors.New("regressor requires a data series id")
	}
	if len(encoders) == 0 {
		return nil, errors.New("regressor requires at least one encoder")
	}
	if cfg.NumHiddenLayers < 0 {
		return nil, errors.Errorf("number of hidden layers must be non-negative, got %d", cfg.NumHiddenLayers)
	}
	if cfg.NumHiddenLayers > 0 && cfg.HiddenSize <= 0 {
		return nil, errors.Errorf("hidden layers require a positive hidden size, got %d", cfg.HiddenSize)
	}
	keepProb := cfg.DropoutKeepProb
	if keepProb == 0 {
		keepProb = 1.0
	}
	if keepProb <= 0 || keepProb > 1 {
		return nil, errors.Errorf("dropout keep probability must be in (0, 1], got %g", cfg.DropoutKeepProb)
	}
	if cfg.Activation != "" {
		if _, err := activations.TypeString(cfg.Activation); err != nil {
			return nil, errors.Wrapf(err, "unknown activation %q", cfg.Activation)
		}
		ctx.SetParam(activations.ParamActivation, cfg.Activation)
	}
	return &Regressor{
		ctx:         ctx,
		cfg:         cfg,
		encoders:    encoders,
		dropoutRate: 1.0 - keepProb,
	}, nil
}

// DataID returns the data series this regressor reads its targets from.
func (r *Regressor) DataID() string { return r.cfg.DataID }

// Outputs of one Build. Cost is nil when Build ran without targets.
type Outputs struct {
	// Prediction is the predicted value, [batchSize]. It is also the
	// decoded output, there is no separate decoding step.
	Prediction *Node

	// Cost is the scalar mean squared error against the targets.
	Cost *Node
}

// Build adds the regressor to the graph. targets is the [batchSize] float32
// ground truth, or nil for pure inference.
func (r *Regressor) Build(g *Graph, targets *Node) *Outputs {
	ctx := r.ctx
	encoded := make([]*Node, len(r.encoders))
	for i, enc := range r.encoders {
		encoded[i] = enc.Encoded(g)
	}
	input := layers.DropoutStatic(ctx, Concatenate(encoded, -1), r.dropoutRate)
	prediction := fnn.New(ctx.In("mlp"), input, 1).
		NumHiddenLayers(r.cfg.NumHiddenLayers, r.cfg.HiddenSize).
		Done()
	prediction = Squeeze(prediction, -1)

	out := &Outputs{Prediction: prediction}
	if targets != nil {
		out.Cost = losses.MeanSquaredError([]*Node{targets}, []*Node{prediction})
	}
	return out
}
