package nn

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/castlemind/board"
	"github.com/castlemind/encode"
	"github.com/castlemind/policy"
)

func encodeFEN(t *testing.T, fen string) *tensor.Dense {
	t.Helper()
	pos, err := board.FromFEN(fen)
	require.NoError(t, err)
	return encode.NewEncodedState([]board.Position{pos}, nil, 1).Tensor()
}

func TestGatewayUniform(t *testing.T) {
	g := NewGateway(Uniform{}, 8)
	states := []*tensor.Dense{
		encodeFEN(t, board.StartFEN),
		encodeFEN(t, "7k/5Q2/6K1/8/8/8/8/8 w - - 0 1"),
		encodeFEN(t, "k7/8/K7/8/8/8/8/7R w - - 0 1"),
	}

	evals, err := g.Evaluate(states)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	for _, e := range evals {
		assert.Len(t, e.Policy, policy.Size)
		assert.Zero(t, e.Value)
	}
}

func TestGatewaySplitsOversizedQueue(t *testing.T) {
	g := NewGateway(Uniform{}, 2)
	states := make([]*tensor.Dense, 5)
	for i := range states {
		states[i] = encodeFEN(t, board.StartFEN)
	}
	evals, err := g.Evaluate(states)
	require.NoError(t, err)
	assert.Len(t, evals, 5)
}

// orderBackend tags each result with its batch position so ordering is
// observable.
type orderBackend struct{}

func (orderBackend) Infer(batch *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	n := batch.Shape()[0]
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	return tensor.New(tensor.WithShape(n, policy.Size), tensor.WithBacking(make([]float32, n*policy.Size))),
		tensor.New(tensor.WithShape(n), tensor.WithBacking(values)), nil
}

func (orderBackend) Close() error { return nil }

func TestGatewayPreservesOrder(t *testing.T) {
	g := NewGateway(orderBackend{}, 16)
	states := make([]*tensor.Dense, 6)
	for i := range states {
		states[i] = encodeFEN(t, board.StartFEN)
	}
	evals, err := g.Evaluate(states)
	require.NoError(t, err)
	for i, e := range evals {
		assert.Equal(t, float32(i), e.Value)
	}
}

type failBackend struct{}

func (failBackend) Infer(*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	return nil, nil, errors.New("device exploded")
}

func (failBackend) Close() error { return nil }

func TestGatewayPropagatesBackendError(t *testing.T) {
	g := NewGateway(failBackend{}, 4)
	_, err := g.Evaluate([]*tensor.Dense{encodeFEN(t, board.StartFEN)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device exploded")
}

func TestMaterialValue(t *testing.T) {
	g := NewGateway(Material{}, 4)

	evals, err := g.Evaluate([]*tensor.Dense{
		encodeFEN(t, board.StartFEN),
		encodeFEN(t, "k7/8/8/8/8/8/8/KQ6 w - - 0 1"),
		encodeFEN(t, "k7/8/8/8/8/8/8/KQ6 b - - 0 1"),
	})
	require.NoError(t, err)

	assert.Zero(t, evals[0].Value)
	assert.Greater(t, evals[1].Value, float32(0.5))
	assert.Less(t, evals[2].Value, float32(-0.5))
}

func TestEmptyQueue(t *testing.T) {
	g := NewGateway(Uniform{}, 4)
	evals, err := g.Evaluate(nil)
	require.NoError(t, err)
	assert.Nil(t, evals)
}
