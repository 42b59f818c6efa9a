package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushKeepsLastItems(t *testing.T) {
	const capacity = 5

	for k := 0; k <= 3*capacity; k++ {
		r := NewRing[int](capacity)
		evicted := 0
		for i := 0; i < k; i++ {
			evicted += r.Push(i)
		}

		want := []int{}
		for i := max(0, k-capacity); i < k; i++ {
			want = append(want, i)
		}

		require.Equal(t, want, r.All(), "k=%d", k)
		require.Equal(t, max(0, k-capacity), evicted, "k=%d", k)
		require.LessOrEqual(t, r.Len(), capacity)
	}
}

func TestSnapshotIsBoundedAndDetached(t *testing.T) {
	r := NewRing[string](4)
	r.PushAll("a", "b", "c")

	require.Equal(t, []string{"b", "c"}, r.Snapshot(2))
	require.Equal(t, []string{"a", "b", "c"}, r.Snapshot(10))
	require.Empty(t, r.Snapshot(0))
	require.Empty(t, r.Snapshot(-1))

	snap := r.Snapshot(3)
	snap[0] = "mutated"
	require.Equal(t, []string{"a", "b", "c"}, r.All())
	require.Equal(t, 3, r.Len())
}

func TestPushAllEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	require.Equal(t, 2, r.PushAll(1, 2, 3, 4, 5))
	require.Equal(t, []int{3, 4, 5}, r.All())
}

func TestTakeFront(t *testing.T) {
	r := NewRing[int](10)
	r.PushAll(1, 2, 3, 4, 5)

	require.Equal(t, []int{1, 2}, r.TakeFront(2))
	require.Equal(t, []int{3, 4, 5}, r.All())
	require.Equal(t, []int{3, 4, 5}, r.TakeFront(100))
	require.Empty(t, r.TakeFront(1))
	require.Zero(t, r.Len())
}

func TestResetAndMinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	require.Equal(t, 1, r.Cap())
	r.PushAll(1, 2)
	require.Equal(t, []int{2}, r.All())

	r.Reset()
	require.Zero(t, r.Len())
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	r := NewRing[int](50)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			r.Push(i)
		}
	}()

	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				snap := r.Snapshot(50)
				for j := 1; j < len(snap); j++ {
					if snap[j] != snap[j-1]+1 {
						t.Errorf("snapshot out of order: %v", snap)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 50, r.Len())
}
