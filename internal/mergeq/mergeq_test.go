package mergeq

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// setEnqueuedAt backdates an entry so FIFO ordering does not depend on
// same-millisecond tie breaking.
func setEnqueuedAt(t *testing.T, q *Queue, id string, ms int64) {
	t.Helper()
	_, err := q.db.Exec(`UPDATE merge_queue SET enqueued_at = ? WHERE id = ?`, ms, id)
	require.NoError(t, err)
}

func TestFIFOOrder(t *testing.T) {
	q := newTestQueue(t)

	a, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)
	b, err := q.Enqueue("overstory/b/os-2", "b", "os-2", nil)
	require.NoError(t, err)
	c, err := q.Enqueue("overstory/c/os-3", "c", "os-3", nil)
	require.NoError(t, err)
	setEnqueuedAt(t, q, a.ID, 1000)
	setEnqueuedAt(t, q, b.ID, 2000)
	setEnqueuedAt(t, q, c.ID, 3000)

	for _, want := range []string{a.ID, b.ID, c.ID} {
		head, err := q.Claim()
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, want, head.ID)
		require.NoError(t, q.Resolve(head.ID, StatusMerged, 0, ""))
	}

	head, err := q.Claim()
	require.NoError(t, err)
	assert.Nil(t, head, "drained queue yields nil")
}

func TestFIFOOrderSameMillisecond(t *testing.T) {
	q := newTestQueue(t)

	// Back-to-back enqueues routinely land in the same millisecond, so
	// the timestamp alone cannot order them. Drain order must still be
	// enqueue order.
	var want []string
	for i := 0; i < 60; i++ {
		e, err := q.Enqueue(fmt.Sprintf("overstory/w%d/os-%d", i, i), "w", fmt.Sprintf("os-%d", i), nil)
		require.NoError(t, err)
		want = append(want, e.ID)
	}

	var got []string
	for {
		head, err := q.Claim()
		require.NoError(t, err)
		if head == nil {
			break
		}
		got = append(got, head.ID)
		require.NoError(t, q.Resolve(head.ID, StatusMerged, 0, ""))
	}
	assert.Equal(t, want, got)
}

func TestEnqueueRejectsLiveDuplicate(t *testing.T) {
	q := newTestQueue(t)

	e, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)

	_, err = q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	assert.Error(t, err, "pending entry blocks re-enqueue")

	claimed, err := q.Claim()
	require.NoError(t, err)
	require.Equal(t, e.ID, claimed.ID)
	_, err = q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	assert.Error(t, err, "merging entry blocks re-enqueue")

	require.NoError(t, q.Resolve(e.ID, StatusConflict, 0, "both sides touched main.go"))
	_, err = q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	assert.NoError(t, err, "terminal entry frees the branch")
}

func TestPeekDoesNotClaim(t *testing.T) {
	q := newTestQueue(t)
	e, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)

	p1, err := q.Peek()
	require.NoError(t, err)
	p2, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, e.ID, p1.ID)
	assert.Equal(t, e.ID, p2.ID)
	assert.Equal(t, StatusPending, p2.Status)
}

func TestResolveRecordsTierAndError(t *testing.T) {
	q := newTestQueue(t)
	e, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)

	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Resolve(e.ID, StatusMerged, 2, ""))

	entries, err := q.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusMerged, entries[0].Status)
	assert.Equal(t, 2, entries[0].Tier)
	require.NotNil(t, entries[0].MergedAt)

	assert.Error(t, q.Resolve(e.ID, StatusMerged, 0, ""), "terminal entries are immutable")
	assert.Error(t, q.Resolve(e.ID, StatusPending, 0, ""), "resolve requires a terminal status")
}

func TestUpdateStatusByBranch(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus("overstory/a/os-1", StatusMerged, 1, ""))

	merged, err := q.List(StatusMerged)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, 1, merged[0].Tier)

	assert.Error(t, q.UpdateStatus("overstory/a/os-1", StatusMerged, 0, ""), "no live entry left")
	assert.Error(t, q.UpdateStatus("overstory/ghost/os-9", StatusFailed, 0, "x"))
}

func TestReleaseReturnsEntryToPending(t *testing.T) {
	q := newTestQueue(t)
	e, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)

	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Release(e.ID))

	head, err := q.Claim()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, e.ID, head.ID)
}

func TestFilesModifiedRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("overstory/a/os-1", "a", "os-1", []string{"main.go", "main_test.go"})
	require.NoError(t, err)

	head, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "main_test.go"}, head.FilesModified)
}

func TestListByStatusAndPendingCount(t *testing.T) {
	q := newTestQueue(t)
	a, err := q.Enqueue("overstory/a/os-1", "a", "os-1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("overstory/b/os-2", "b", "os-2", nil)
	require.NoError(t, err)

	n, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.Resolve(a.ID, StatusFailed, 0, "merge --abort after resolver timeout"))

	failed, err := q.List(StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "merge --abort after resolver timeout", failed[0].Error)

	n, err = q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.List("sideways")
	assert.Error(t, err)
}
