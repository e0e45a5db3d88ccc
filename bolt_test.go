package bolt

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1: looking up a bucket that was never created returns nil
// without panicking.
func TestScenarioGetOnMissingBucketReturnsNil(t *testing.T) {
	db := mustOpenDB(t)

	err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Nil(t, b)
		return nil
	})
	require.NoError(t, err)
}

// Scenario 2: create a bucket, put a key, commit, reopen the file, and
// read the value back.
func TestScenarioRoundTripsAcrossReopen(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		assert.Equal(t, []byte("bar"), tx.Bucket([]byte("widgets")).Get([]byte("foo")))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 3: overwriting a key within the same bucket returns the latest
// value.
func TestScenarioOverwriteReturnsLatestValue(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("foo"), []byte("bar")); err != nil {
			return err
		}
		if err := b.Put([]byte("foo"), []byte("baz")); err != nil {
			return err
		}
		assert.Equal(t, []byte("baz"), b.Get([]byte("foo")))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 4: putting a value at a key that already holds a nested bucket
// fails with ErrIncompatibleValue.
func TestScenarioPutOverNestedBucketFails(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		widgets, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if _, err := widgets.CreateBucket([]byte("foo")); err != nil {
			return err
		}
		assert.Equal(t, ErrIncompatibleValue, widgets.Put([]byte("foo"), []byte("bar")))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 5: each commit of a tiny write releases the root leaf and the
// freelist page written by the commit before it and allocates fresh ones,
// so the freelist stored by the second commit differs from the one
// stored by the first.
func TestScenarioFreelistRotatesBetweenCommits(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}))
	idsAfterFirst := db.page(db.meta().freelist).freeList()

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("k"), []byte("v2"))
	}))
	idsAfterSecond := db.page(db.meta().freelist).freeList()

	assert.NotEqual(t, idsAfterFirst, idsAfterSecond)
	assert.NoError(t, db.Check())
}

// Scenario 6: 10,000 sequential keys cross multiple split boundaries, and
// a nested bucket created before the bulk insert keeps its prior contents
// unchanged.
func TestScenarioBulkInsertPreservesNestedBucket(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		nested, err := root.CreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		return nested.Put([]byte("k"), []byte("nested-value"))
	}))

	const n = 10000
	require.NoError(t, db.Update(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("%d", i))
			if err := root.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	err := db.View(func(tx *Tx) error {
		root := tx.Bucket([]byte("root"))
		for i := 0; i < n; i += 333 {
			k := []byte(fmt.Sprintf("%d", i))
			assert.Equal(t, k, root.Get(k))
		}
		assert.Equal(t, []byte("nested-value"), root.Bucket([]byte("nested")).Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, db.Check())
}

// Scenario 7: deleting a bucket and recreating it under the same name
// starts fresh, with none of the old nested contents reachable.
func TestScenarioDeleteBucketThenRecreateIsEmpty(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		widgets, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		foo, err := widgets.CreateBucket([]byte("foo"))
		if err != nil {
			return err
		}
		for i := 0; i < 1000; i++ {
			if err := foo.Put([]byte(fmt.Sprintf("%04d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		if err := tx.DeleteBucket([]byte("widgets")); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	err := db.View(func(tx *Tx) error {
		widgets := tx.Bucket([]byte("widgets"))
		require.NotNil(t, widgets)
		assert.Nil(t, widgets.Bucket([]byte("foo")))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, db.Check())
}

// Scenario 8: a second write transaction begun concurrently with an open
// one blocks on the writer lock until the first commits.
func TestScenarioSecondWriterBlocksUntilFirstCommits(t *testing.T) {
	db := mustOpenDB(t)

	tx1, err := db.Begin(true)
	require.NoError(t, err)

	var started, acquired int32
	done := make(chan struct{})
	go func() {
		atomic.StoreInt32(&started, 1)
		tx2, err := db.Begin(true)
		atomic.StoreInt32(&acquired, 1)
		if err == nil {
			_ = tx2.Rollback()
		}
		close(done)
	}()

	for atomic.LoadInt32(&started) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&acquired), "second writer should still be blocked")

	require.NoError(t, tx1.Commit())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second writer never unblocked after first commit")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&acquired))
}

// Scenario 9: a reader begun before a writer commits keeps seeing the
// pre-commit snapshot; a reader begun afterward sees the new one.
func TestScenarioReaderSnapshotIsolation(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}))

	oldReader, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("k"), []byte("v2"))
	}))

	assert.Equal(t, []byte("v1"), oldReader.Bucket([]byte("widgets")).Get([]byte("k")))
	require.NoError(t, oldReader.Rollback())

	newReader, err := db.Begin(false)
	require.NoError(t, err)
	defer newReader.Rollback()
	assert.Equal(t, []byte("v2"), newReader.Bucket([]byte("widgets")).Get([]byte("k")))
}

// Boundary: a sub-bucket small enough to inline stays inline (its root
// stored as a synthetic page, not a real allocated one); once pushed past
// the inline threshold it must get a real root page.
func TestBoundaryInlineBucketCrossesThreshold(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		child, err := root.CreateBucket([]byte("small"))
		if err != nil {
			return err
		}
		return child.Put([]byte("k"), []byte("v"))
	}))

	err := db.View(func(tx *Tx) error {
		child := tx.Bucket([]byte("root")).Bucket([]byte("small"))
		assert.Equal(t, pgid(0), child.root)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		child := tx.Bucket([]byte("root")).Bucket([]byte("small"))
		for i := 0; i < 100; i++ {
			if err := child.Put([]byte(fmt.Sprintf("key-%04d", i)), make([]byte, 64)); err != nil {
				return err
			}
		}
		return nil
	}))

	err = db.View(func(tx *Tx) error {
		child := tx.Bucket([]byte("root")).Bucket([]byte("small"))
		assert.False(t, child.inlineable())
		assert.NotEqual(t, pgid(0), child.root)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, db.Check())
}

// Boundary: a value larger than one page forces overflow-page allocation.
func TestBoundaryLargeValueSetsOverflow(t *testing.T) {
	db := mustOpenDB(t)

	big := make([]byte, 3*os.Getpagesize())
	for i := range big {
		big[i] = byte(i % 251)
	}

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("blob"), big)
	}))

	err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Equal(t, big, b.Get([]byte("blob")))
		assert.NotZero(t, tx.page(b.root).overflow)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, db.Check())
}

// Idempotence: repeated identical puts leave the value unchanged and the
// store internally consistent; the freelist set may rotate, but the
// visible data never does.
func TestIdempotentPutsConverge(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Update(func(tx *Tx) error {
			return tx.Bucket([]byte("widgets")).Put([]byte("k"), []byte("same-value"))
		}))
	}

	err := db.View(func(tx *Tx) error {
		assert.Equal(t, []byte("same-value"), tx.Bucket([]byte("widgets")).Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, db.Check())
}

// Rollback: a failed Update block leaves no new keys visible even though
// the file may have grown while the failing transaction was staging
// writes.
func TestRollbackLeavesNoNewKeysVisible(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	boom := fmt.Errorf("boom")
	err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		for i := 0; i < 50; i++ {
			if err := b.Put([]byte(fmt.Sprintf("%04d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return boom
	})
	assert.Equal(t, boom, err)

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		c := b.Cursor()
		k, _ := c.First()
		assert.Nil(t, k)
		return nil
	})
	require.NoError(t, err)
}

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "bolt-")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(path))
	t.Cleanup(func() { _ = os.Remove(path) })
	return path
}
