package bolt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorFirstLastOnEmptyBucket(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		c := b.Cursor()
		k, v := c.First()
		assert.Nil(t, k)
		assert.Nil(t, v)

		k, v = c.Last()
		assert.Nil(t, k)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorIteratesForwardAndBackward(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			if err := b.Put([]byte(fmt.Sprintf("%04d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		var forward []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			forward = append(forward, string(k))
		}
		assert.Equal(t, "0000", forward[0])
		assert.Equal(t, "0049", forward[len(forward)-1])
		assert.Len(t, forward, 50)

		var backward []string
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			backward = append(backward, string(k))
		}
		assert.Equal(t, "0049", backward[0])
		assert.Equal(t, "0000", backward[len(backward)-1])
		assert.Len(t, backward, 50)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorSeekFindsExactOrNextKey(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		for _, k := range []string{"b", "d", "f", "h"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		k, v := c.Seek([]byte("d"))
		assert.Equal(t, []byte("d"), k)
		assert.Equal(t, []byte("d"), v)

		k, v = c.Seek([]byte("e"))
		assert.Equal(t, []byte("f"), k)
		assert.Equal(t, []byte("f"), v)

		k, v = c.Seek([]byte("z"))
		assert.Nil(t, k)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorReportsNilValueForNestedBuckets(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		root, err := tx.CreateBucket([]byte("root"))
		require.NoError(t, err)

		require.NoError(t, root.Put([]byte("a-key"), []byte("a-value")))
		_, err = root.CreateBucket([]byte("b-bucket"))
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("root")).Cursor()

		k, v := c.First()
		assert.Equal(t, []byte("a-key"), k)
		assert.Equal(t, []byte("a-value"), v)

		k, v = c.Next()
		assert.Equal(t, []byte("b-bucket"), k)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestCursorDeleteRemovesEntryButRejectsBuckets(t *testing.T) {
	db := mustOpenDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("foo"), []byte("bar")))
		_, err = b.CreateBucket([]byte("sub"))
		require.NoError(t, err)

		c := b.Cursor()
		k, _ := c.Seek([]byte("foo"))
		require.Equal(t, []byte("foo"), k)
		require.NoError(t, c.Delete())

		k, _ = c.Seek([]byte("sub"))
		require.Equal(t, []byte("sub"), k)
		assert.Equal(t, ErrIncompatibleValue, c.Delete())
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		assert.Nil(t, b.Get([]byte("foo")))
		assert.NotNil(t, b.Bucket([]byte("sub")))
		return nil
	})
	require.NoError(t, err)
}

func TestCursorTraversesBranchLevels(t *testing.T) {
	db := mustOpenDB(t)

	const n = 5000
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("%08d", i))
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()
		count := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		assert.Equal(t, n, count)
		return nil
	})
	require.NoError(t, err)
}
