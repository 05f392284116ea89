package meshqueue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadranet/meshnode/internal/meshqueue"
)

func TestFIFOOrder(t *testing.T) {
	q := meshqueue.New[int](3)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))

	assert.True(t, q.IsFull())
	assert.Equal(t, 3, q.Len())

	err := q.Enqueue(4)
	assert.ErrorIs(t, err, meshqueue.ErrFull)

	for _, want := range []int{1, 2, 3} {
		got, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.True(t, q.IsEmpty())
	_, err = q.Dequeue()
	assert.ErrorIs(t, err, meshqueue.ErrEmpty)
}

func TestZeroAndNegativeCapacityClampToOne(t *testing.T) {
	q := meshqueue.New[string](0)
	require.NoError(t, q.Enqueue("a"))
	assert.ErrorIs(t, q.Enqueue("b"), meshqueue.ErrFull)

	neg := meshqueue.New[string](-1)
	require.NoError(t, neg.Enqueue("a"))
	assert.ErrorIs(t, neg.Enqueue("b"), meshqueue.ErrFull)
}
