package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_PopsHighestPriorityFirst(t *testing.T) {
	q := newQueue()
	low := &Request{ID: "low", Priority: PriorityLow}
	normal := &Request{ID: "normal", Priority: PriorityNormal}
	critical := &Request{ID: "critical", Priority: PriorityCritical}
	high := &Request{ID: "high", Priority: PriorityHigh}

	q.push(low)
	q.push(normal)
	q.push(critical)
	q.push(high)

	assert.Equal(t, "critical", q.pop().ID)
	assert.Equal(t, "high", q.pop().ID)
	assert.Equal(t, "normal", q.pop().ID)
	assert.Equal(t, "low", q.pop().ID)
	assert.Nil(t, q.pop())
}

func TestQueue_FIFOWithinSamePriority(t *testing.T) {
	q := newQueue()
	q.push(&Request{ID: "first", Priority: PriorityNormal})
	q.push(&Request{ID: "second", Priority: PriorityNormal})
	q.push(&Request{ID: "third", Priority: PriorityNormal})

	assert.Equal(t, "first", q.pop().ID)
	assert.Equal(t, "second", q.pop().ID)
	assert.Equal(t, "third", q.pop().ID)
}

func TestQueue_Len(t *testing.T) {
	q := newQueue()
	assert.Equal(t, 0, q.len())
	q.push(&Request{ID: "a"})
	q.push(&Request{ID: "b"})
	assert.Equal(t, 2, q.len())
	q.pop()
	assert.Equal(t, 1, q.len())
}
