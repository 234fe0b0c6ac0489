// Package nn is the gateway between the search and a policy/value network
// backend. The backend is not assumed reentrant: every call goes through the
// gateway's single mutex, and a pending queue is flushed in forward passes of
// at most the gateway's batch ceiling.
package nn

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/castlemind/policy"
)

// Backend runs a batch of encoded positions through the network.
// batch is shaped (B, channels, 8, 8); the returned policy is (B, 4672)
// logits and value is (B,) scalars in [-1, 1], both ordered like the batch.
type Backend interface {
	Infer(batch *tensor.Dense) (policyOut *tensor.Dense, valueOut *tensor.Dense, err error)
	io.Closer
}

// Evaluation is one network output pair.
type Evaluation struct {
	Policy []float32
	Value  float32
}

// Gateway serializes access to a Backend and splits batched outputs back
// into per-input evaluations.
type Gateway struct {
	mu       sync.Mutex
	backend  Backend
	maxBatch int
}

// NewGateway wraps backend. maxBatch caps the number of states evaluated in
// one forward pass; larger queues are split across calls.
func NewGateway(backend Backend, maxBatch int) *Gateway {
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &Gateway{backend: backend, maxBatch: maxBatch}
}

// Evaluate runs every queued state through the backend, preserving queue
// order in the results.
func (g *Gateway) Evaluate(states []*tensor.Dense) ([]Evaluation, error) {
	if len(states) == 0 {
		return nil, nil
	}
	out := make([]Evaluation, 0, len(states))
	for start := 0; start < len(states); start += g.maxBatch {
		end := start + g.maxBatch
		if end > len(states) {
			end = len(states)
		}
		evals, err := g.evaluateChunk(states[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, evals...)
	}
	return out, nil
}

func (g *Gateway) evaluateChunk(states []*tensor.Dense) ([]Evaluation, error) {
	batch, err := stack(states)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	policyOut, valueOut, err := g.backend.Infer(batch)
	g.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessage(err, "network inference failed")
	}

	return split(policyOut, valueOut, len(states))
}

// stack concatenates equally-shaped state tensors into one (B, C, 8, 8)
// batch tensor.
func stack(states []*tensor.Dense) (*tensor.Dense, error) {
	shape := states[0].Shape()
	stride := shape.TotalSize()
	backing := make([]float32, 0, stride*len(states))
	for i, s := range states {
		data, ok := s.Data().([]float32)
		if !ok || len(data) != stride {
			return nil, errors.Errorf("state %d: want %d float32 elements, got %T", i, stride, s.Data())
		}
		backing = append(backing, data...)
	}
	dims := append([]int{len(states)}, shape...)
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing)), nil
}

// split slices the batched outputs back into per-input evaluations,
// preserving order.
func split(policyOut, valueOut *tensor.Dense, n int) ([]Evaluation, error) {
	policies, ok := policyOut.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("policy output: want []float32, got %T", policyOut.Data())
	}
	values, ok := valueOut.Data().([]float32)
	if !ok {
		// A single-element dense may come back as a scalar.
		if v, isScalar := valueOut.Data().(float32); isScalar && n == 1 {
			values = []float32{v}
			ok = true
		}
	}
	if !ok {
		return nil, errors.Errorf("value output: want []float32, got %T", valueOut.Data())
	}
	if len(policies) != n*policy.Size || len(values) != n {
		return nil, errors.Errorf("output shape mismatch: %d policies, %d values for batch %d",
			len(policies), len(values), n)
	}

	out := make([]Evaluation, n)
	for i := 0; i < n; i++ {
		p := make([]float32, policy.Size)
		copy(p, policies[i*policy.Size:(i+1)*policy.Size])
		out[i] = Evaluation{Policy: p, Value: values[i]}
	}
	return out, nil
}

// Close releases the backend.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backend.Close()
}
