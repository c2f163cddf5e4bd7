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

// Package vocab implements the target-side vocabulary used by the sequence
// decoder: a bidirectional token<->id mapping with a fixed set of reserved
// special tokens, plus conversion of token sequences into the padded id and
// padding-weight tensors the decoder is fed with.
//
// Ids are assigned densely starting at the special tokens. Id 0 is the padding
// token and is never produced by greedy decoding.
package vocab

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Reserved token ids. They are fixed: the decoder relies on PadID being 0
// (excluded from greedy argmax) and on EndID marking sequence termination.
const (
	PadID     = 0
	EndID     = 1
	StartID   = 2
	UnknownID = 3
)

// Reserved token strings, at the corresponding reserved ids.
const (
	PadToken     = "<pad>"
	EndToken     = "</s>"
	StartToken   = "<s>"
	UnknownToken = "<unk>"
)

// Vocabulary is a bidirectional mapping between tokens and dense integer ids.
// The zero value is not usable, create it with New.
type Vocabulary struct {
	tokens []string
	index  map[string]int
}

// New creates a Vocabulary seeded with the reserved special tokens, and then
// adds the given tokens in order. Duplicates are ignored.
func New(tokens ...string) *Vocabulary {
	v := &Vocabulary{index: make(map[string]int)}
	for _, special := range []string{PadToken, EndToken, StartToken, UnknownToken} {
		v.Add(special)
	}
	for _, token := range tokens {
		v.Add(token)
	}
	return v
}

// Add inserts the token if not yet present and returns its id.
func (v *Vocabulary) Add(token string) int {
	if id, found := v.index[token]; found {
		return id
	}
	id := len(v.tokens)
	v.tokens = append(v.tokens, token)
	v.index[token] = id
	return id
}

// Size returns the number of tokens, including the reserved ones.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// ID returns the id of the token, or UnknownID if the token is not known.
func (v *Vocabulary) ID(token string) int {
	if id, found := v.index[token]; found {
		return id
	}
	return UnknownID
}

// Token returns the token for the id, or the unknown token for out-of-range ids.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return UnknownToken
	}
	return v.tokens[id]
}

// SentencesToTensor converts a batch of tokenized sentences to the decoder's
// target feeds: an id matrix shaped [batchSize, maxLen] and a padding-weight
// matrix of the same shape with 1.0 on real tokens and 0.0 on padding.
//
// The end token is appended to every sentence; sentences longer than maxLen-1
// are truncated so the end token always fits. No start token is added: the
// decoder feeds the start symbol separately.
func (v *Vocabulary) SentencesToTensor(sentences [][]string, maxLen int) (ids, weights *tensors.Tensor, err error) {
	if maxLen <= 0 {
		return nil, nil, errors.Errorf("maxLen must be positive, got %d", maxLen)
	}
	if len(sentences) == 0 {
		return nil, nil, errors.New("empty batch of sentences")
	}
	idsData := make([][]int32, len(sentences))
	weightsData := make([][]float32, len(sentences))
	for i, sentence := range sentences {
		idsData[i] = make([]int32, maxLen)
		weightsData[i] = make([]float32, maxLen)
		if len(sentence) > maxLen-1 {
			sentence = sentence[:maxLen-1]
		}
		for j, token := range sentence {
			idsData[i][j] = int32(v.ID(token))
			weightsData[i][j] = 1.0
		}
		idsData[i][len(sentence)] = EndID
		weightsData[i][len(sentence)] = 1.0
		// Remaining positions stay PadID with weight 0.
	}
	return tensors.FromValue(idsData), tensors.FromValue(weightsData), nil
}

// IdsToSentence converts decoded ids back to tokens, stopping at the first
// end token. Padding ids are skipped.
func (v *Vocabulary) IdsToSentence(ids []int32) []string {
	var sentence []string
	for _, id := range ids {
		if id == EndID {
			break
		}
		if id == PadID {
			continue
		}
		sentence = append(sentence, v.Token(int(id)))
	}
	return sentence
}
