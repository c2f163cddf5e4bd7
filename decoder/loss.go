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
	"github.com/gomlx/gomlx/ml/train/losses"
)

// lossEpsilon guards the per-example normalization against fully masked
// sequences.
const lossEpsilon = 1e-12

// buildLosses fills in the loss outputs of one Build. Both losses are
// weighted by the data padding weights alone: an early spurious end token
// must not hide later supervised positions from the gradient.
func (d *Decoder) buildLosses(out *Outputs, targets, targetWeights *Node) {
	labels := InsertAxes(targets, -1)

	// Teacher-forced loss: per-example sum of weighted cross-entropies,
	// normalized by each example's total weight, then batch-averaged.
	trainXent := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{labels, targetWeights}, []*Node{Stack(out.TrainLogits, 1)})
	out.TrainXents = Div(
		ReduceSum(trainXent, -1),
		AddScalar(ReduceSum(targetWeights, -1), lossEpsilon))
	out.TrainLoss = ReduceAllMean(out.TrainXents)

	// Free-running loss: fully averaged and detached, a pure diagnostic of
	// the gap between forced and free decoding.
	runtimeXent := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{labels, targetWeights}, []*Node{Stack(out.RuntimeLogits, 1)})
	out.RuntimeLoss = StopGradient(Div(
		ReduceAllSum(runtimeXent),
		AddScalar(ReduceAllSum(targetWeights), lossEpsilon)))
}
