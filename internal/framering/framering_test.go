package framering

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmicro/scopehub"
)

func TestRingCapacityValidation(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		_, err := NewRing(capacity)
		assert.Error(t, err, "NewRing(%d) should fail", capacity)
	}
	ring, err := NewRing(3)
	require.NoError(t, err)
	assert.Equal(t, 3, ring.Capacity())
	assert.Equal(t, 0, ring.Size())
}

func TestRingFIFOOrder(t *testing.T) {
	ring, err := NewRing(4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pix := []byte{byte(i), byte(i + 1)}
		md := scopehub.Metadata{{Key: scopehub.TagFrameIndex, Value: fmt.Sprint(i)}}
		require.NoError(t, ring.Enqueue(pix, 2, 1, 1, md))
	}
	assert.Equal(t, 3, ring.Size())

	for i := 0; i < 3; i++ {
		f, ok := ring.Dequeue()
		require.True(t, ok, "dequeue %d", i)
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, f.Pix)
		assert.Equal(t, 2, f.Width)
		assert.Equal(t, 1, f.Height)
		idx, _ := f.Tags.Get(scopehub.TagFrameIndex)
		assert.Equal(t, fmt.Sprint(i), idx)
	}
	_, ok := ring.Dequeue()
	assert.False(t, ok, "dequeue on an empty ring should report not-ok")
}

func TestRingEnqueueCopiesPixels(t *testing.T) {
	ring, err := NewRing(2)
	require.NoError(t, err)

	pix := []byte{1, 2, 3, 4}
	require.NoError(t, ring.Enqueue(pix, 2, 2, 1, nil))
	pix[0] = 99 // producer reuses its buffer

	f, ok := ring.Dequeue()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Pix)
}

func TestRingFullAndClear(t *testing.T) {
	ring, err := NewRing(2)
	require.NoError(t, err)

	require.NoError(t, ring.Enqueue([]byte{0}, 1, 1, 1, nil))
	require.NoError(t, ring.Enqueue([]byte{1}, 1, 1, 1, nil))
	err = ring.Enqueue([]byte{2}, 1, 1, 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, scopehub.ErrBufferFull), "overflow error is %v, want ErrBufferFull", err)
	assert.Equal(t, uint64(0), ring.FramesLost())

	ring.Clear()
	assert.Equal(t, 0, ring.Size())
	assert.Equal(t, uint64(2), ring.FramesLost())

	// The ring accepts new frames again after Clear.
	require.NoError(t, ring.Enqueue([]byte{3}, 1, 1, 1, nil))
	f, ok := ring.Dequeue()
	require.True(t, ok)
	assert.Equal(t, []byte{3}, f.Pix)
}

func TestRingWrapAround(t *testing.T) {
	ring, err := NewRing(3)
	require.NoError(t, err)

	// Cycle enough frames through a small ring that head wraps repeatedly.
	require.NoError(t, ring.Enqueue([]byte{0}, 1, 1, 1, nil))
	require.NoError(t, ring.Enqueue([]byte{1}, 1, 1, 1, nil))
	next := 0
	for i := 2; i < 10; i++ {
		require.NoError(t, ring.Enqueue([]byte{byte(i)}, 1, 1, 1, nil))
		f, ok := ring.Dequeue()
		require.True(t, ok)
		assert.Equal(t, byte(next), f.Pix[0])
		next++
	}
	for {
		f, ok := ring.Dequeue()
		if !ok {
			break
		}
		assert.Equal(t, byte(next), f.Pix[0])
		next++
	}
	assert.Equal(t, 10, next, "every enqueued frame should come back out in order")
}
