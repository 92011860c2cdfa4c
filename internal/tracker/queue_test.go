package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByScoreDescending(t *testing.T) {
	q := NewPriorityQueue()
	q.Push("low", 0.2)
	q.Push("high", 0.9)
	q.Push("mid", 0.5)

	key, score, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "high", key)
	assert.Equal(t, 0.9, score)

	key, _, _ = q.Pop()
	assert.Equal(t, "mid", key)
	key, _, _ = q.Pop()
	assert.Equal(t, "low", key)

	_, _, ok = q.Pop()
	assert.False(t, ok)
}

func TestPriorityQueuePushReplacesExistingKey(t *testing.T) {
	q := NewPriorityQueue()
	q.Push("a", 0.1)
	q.Push("b", 0.5)
	q.Push("a", 0.8)

	assert.Equal(t, 2, q.Len())
	key, score, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", key)
	assert.Equal(t, 0.8, score)
}

func TestPriorityQueueRemove(t *testing.T) {
	q := NewPriorityQueue()
	q.Push("a", 0.9)
	q.Push("b", 0.5)
	q.Remove("a")
	q.Remove("missing")

	key, _, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", key)
	assert.Equal(t, 0, q.Len())
}
