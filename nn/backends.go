package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/castlemind/policy"
)

// Uniform is a deterministic backend: zero logits (uniform priors after
// softmax) and zero value. Tests and fallback paths use it; search quality
// then comes entirely from visit statistics and terminal values.
type Uniform struct{}

func (Uniform) Infer(batch *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	n, err := batchLen(batch)
	if err != nil {
		return nil, nil, err
	}
	policyOut := tensor.New(tensor.WithShape(n, policy.Size), tensor.WithBacking(make([]float32, n*policy.Size)))
	valueOut := tensor.New(tensor.WithShape(n), tensor.WithBacking(make([]float32, n)))
	return policyOut, valueOut, nil
}

func (Uniform) Close() error { return nil }

// Material is a network-free heuristic backend: uniform policy logits and a
// value from the piece-count balance of the newest history slice, squashed
// into [-1, 1]. It makes the analyze CLI playable without a trained model.
type Material struct{}

// Plane weights for the own/opponent piece planes of the newest slice:
// P, N, B, R, Q, K.
var pieceWeights = [6]float32{1, 3, 3, 5, 9, 0}

func (Material) Infer(batch *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	n, err := batchLen(batch)
	if err != nil {
		return nil, nil, err
	}
	data, ok := batch.Data().([]float32)
	if !ok {
		return nil, nil, errors.Errorf("batch: want []float32 backing, got %T", batch.Data())
	}
	channels := batch.Shape()[1]
	stride := channels * 64

	values := make([]float32, n)
	for i := 0; i < n; i++ {
		state := data[i*stride : (i+1)*stride]
		var balance float32
		for plane := 0; plane < 12; plane++ {
			w := pieceWeights[plane%6]
			if plane >= 6 {
				w = -w
			}
			for sq := 0; sq < 64; sq++ {
				balance += w * state[plane*64+sq]
			}
		}
		values[i] = math32.Tanh(balance / 10)
	}

	policyOut := tensor.New(tensor.WithShape(n, policy.Size), tensor.WithBacking(make([]float32, n*policy.Size)))
	valueOut := tensor.New(tensor.WithShape(n), tensor.WithBacking(values))
	return policyOut, valueOut, nil
}

func (Material) Close() error { return nil }

func batchLen(batch *tensor.Dense) (int, error) {
	shape := batch.Shape()
	if len(shape) != 4 || shape[2] != 8 || shape[3] != 8 {
		return 0, errors.Errorf("batch: want shape (B, C, 8, 8), got %v", shape)
	}
	return shape[0], nil
}
