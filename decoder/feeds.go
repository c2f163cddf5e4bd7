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
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/mlappe/neuralmonkey/vocab"
	"github.com/pkg/errors"
)

// Feeds are the concrete per-batch inputs of one Build evaluation. Targets
// and TargetWeights are nil for pure inference feeds.
type Feeds struct {
	// GoSymbols is the [batchSize] start-symbol ids.
	GoSymbols *tensors.Tensor

	// Targets is the [batchSize, maxOutputLen] target token ids.
	Targets *tensors.Tensor

	// TargetWeights is the [batchSize, maxOutputLen] padding weights, 1.0
	// on real tokens and the appended end token, 0.0 on padding.
	TargetWeights *tensors.Tensor
}

// MakeFeeds prepares the runtime inputs for a batch. sentences may be nil for
// inference, but is required when train is set. When given, sentences must
// have batchSize entries; they are padded and truncated to the decoder's
// horizon by the vocabulary.
func (d *Decoder) MakeFeeds(batchSize int, sentences [][]string, train bool) (*Feeds, error) {
	if train && sentences == nil {
		return nil, errors.Errorf("decoder %q: training feeds require target sentences", d.cfg.DataID)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	feeds := &Feeds{
		GoSymbols: tensors.FromValue(xslices.SliceWithValue(batchSize, int32(vocab.StartID))),
	}
	if sentences == nil {
		return feeds, nil
	}
	if len(sentences) != batchSize {
		return nil, errors.Errorf("decoder %q: got %d target sentences for a batch of %d",
			d.cfg.DataID, len(sentences), batchSize)
	}
	var err error
	feeds.Targets, feeds.TargetWeights, err = d.cfg.Vocabulary.SentencesToTensor(sentences, d.cfg.MaxOutputLen)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoder %q", d.cfg.DataID)
	}
	return feeds, nil
}

// FeedsFromDataset looks the decoder's data series up by its DataID and
// prepares feeds from it. The series may be absent when not training.
func (d *Decoder) FeedsFromDataset(dataset map[string][][]string, train bool) (*Feeds, error) {
	sentences, found := dataset[d.cfg.DataID]
	if !found {
		if train {
			return nil, errors.Errorf("decoder %q: dataset is missing the target series", d.cfg.DataID)
		}
		return nil, errors.Errorf("decoder %q: cannot size an inference batch without the %q series, "+
			"use MakeFeeds with an explicit batch size", d.cfg.DataID, d.cfg.DataID)
	}
	return d.MakeFeeds(len(sentences), sentences, train)
}
