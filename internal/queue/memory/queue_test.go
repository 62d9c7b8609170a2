package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.True(t, q.Enqueue("u1"))
	require.True(t, q.Enqueue("u2"))
	require.True(t, q.Enqueue("u3"))
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"u1", "u2", "u3"} {
		got, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := q.Dequeue()
	require.False(t, ok)
	require.Equal(t, 0, q.Len())
}

func TestQueueDedupPendingOnly(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.True(t, q.Enqueue("https://example.com"))
	require.False(t, q.Enqueue("https://example.com"))
	require.Equal(t, 1, q.Len())

	// exact match only, no normalization
	require.True(t, q.Enqueue("https://example.com/"))
	require.True(t, q.Enqueue("HTTPS://example.com"))
	require.Equal(t, 3, q.Len())

	got, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "https://example.com", got)

	// once dequeued the URL is no longer protected
	require.True(t, q.Enqueue("https://example.com"))
	require.Equal(t, 3, q.Len())
}

func TestQueueEmptyStringIsAValidTask(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.True(t, q.Enqueue(""))
	require.False(t, q.Enqueue(""))
	got, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "", got)
}

func TestQueueConcurrentEnqueueKeepsUniqueness(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(fmt.Sprintf("https://example.com/%d", i))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 100, q.Len())

	seen := map[string]struct{}{}
	for {
		url, ok := q.Dequeue()
		if !ok {
			break
		}
		_, dup := seen[url]
		require.False(t, dup, "duplicate %s", url)
		seen[url] = struct{}{}
	}
	require.Len(t, seen, 100)
}

func TestQueueRequeueKeepsHeadPosition(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Enqueue("u1")
	q.Enqueue("u2")

	got, _ := q.Dequeue()
	require.Equal(t, "u1", got)
	require.True(t, q.Requeue(got))
	require.False(t, q.Requeue("u2"))
	require.Equal(t, 2, q.Len())

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	require.Equal(t, []string{"u1", "u2"}, []string{first, second})
}
