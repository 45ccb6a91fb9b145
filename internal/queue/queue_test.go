package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_OverflowDropsOldest(t *testing.T) {
	q := New(nil, 0)
	for i := 1; i <= Capacity+1; i++ {
		q.Enqueue(Message{Topic: "t", Payload: []byte(fmt.Sprintf("%d", i))})
	}

	assert.Equal(t, Capacity, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	var delivered []string
	err := q.FlushTo(func(m Message) error {
		delivered = append(delivered, string(m.Payload))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, delivered, Capacity)
	assert.Equal(t, "2", delivered[0])
	assert.Equal(t, "1001", delivered[len(delivered)-1])
}

func TestFlushTo_PreservesFIFOOrder(t *testing.T) {
	q := New(nil, 0)
	q.Enqueue(Message{Topic: "t", Payload: []byte("p1")})
	q.Enqueue(Message{Topic: "t", Payload: []byte("p2")})
	q.Enqueue(Message{Topic: "t", Payload: []byte("p3")})

	var order []string
	err := q.FlushTo(func(m Message) error {
		order = append(order, string(m.Payload))
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, order)
	assert.Zero(t, q.Len())
}

func TestFlushTo_StopsOnFirstErrorLeavesRemainder(t *testing.T) {
	q := New(nil, 0)
	q.Enqueue(Message{Topic: "t", Payload: []byte("p1")})
	q.Enqueue(Message{Topic: "t", Payload: []byte("p2")})
	q.Enqueue(Message{Topic: "t", Payload: []byte("p3")})

	boom := errors.New("boom")
	var attempts int
	err := q.FlushTo(func(m Message) error {
		attempts++
		if string(m.Payload) == "p2" {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, q.Len(), "p2 and p3 remain queued")
}

func TestClear_DropsEverything(t *testing.T) {
	q := New(nil, 0)
	q.Enqueue(Message{Topic: "t", Payload: []byte("p1")})
	q.Clear()
	assert.Zero(t, q.Len())
}
