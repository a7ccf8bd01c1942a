// Package docstoretest holds a behavioural test suite every docstore engine must pass.
package docstoretest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-circulation/docstore"
)

// Factory returns a fresh, empty engine. The suite closes it.
type Factory func(t *testing.T) docstore.Backend

type counter struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	Meta  struct {
		Touched time.Time `json:"touched"`
	} `json:"meta"`
}

// RunConformance runs the engine suite as subtests of t.
func RunConformance(t *testing.T, newBackend Factory) {
	t.Helper()

	open := func(t *testing.T) *docstore.Store {
		t.Helper()

		s, err := docstore.New(newBackend(t), docstore.WithRetryOptions(
			docstore.WithMaxAttempts(10),
			docstore.WithBaseDelay(time.Millisecond),
		))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		return s
	}

	t.Run("missing document has version zero", func(t *testing.T) {
		s := open(t)

		snap, err := s.Get(context.Background(), docstore.Doc("things", "nope"))
		require.NoError(t, err)
		assert.False(t, snap.Exists())
		assert.ErrorIs(t, snap.DataTo(&counter{}), docstore.ErrNotFound)
	})

	t.Run("create then read back", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc(docstore.Collection("shelves", "a", "things"), "one")

		err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Create(ref, counter{Name: "one", Count: 1})
		})
		require.NoError(t, err)

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		require.True(t, snap.Exists())
		assert.Equal(t, int64(1), snap.Version)
		assert.False(t, snap.CreateTime.IsZero())

		var got counter
		require.NoError(t, snap.DataTo(&got))
		assert.Equal(t, "one", got.Name)
		assert.Equal(t, int64(1), got.Count)
	})

	t.Run("create on existing document fails", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc("things", "dup")

		create := func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Create(ref, counter{Name: "dup"})
		}
		require.NoError(t, s.RunTransaction(ctx, create))

		err := s.RunTransaction(ctx, create)
		assert.ErrorIs(t, err, docstore.ErrAlreadyExists)
	})

	t.Run("update increments and stamps", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc("things", "inc")

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Set(ref, counter{Name: "inc", Count: 5})
		}))

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Update(ref,
				docstore.Set("count", docstore.Increment(-2)),
				docstore.Set("meta.touched", docstore.ServerTimestamp),
			)
		}))

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Version)

		var got counter
		require.NoError(t, snap.DataTo(&got))
		assert.Equal(t, int64(3), got.Count)
		assert.False(t, got.Meta.Touched.IsZero())
	})

	t.Run("update on missing document fails", func(t *testing.T) {
		s := open(t)

		err := s.RunTransaction(context.Background(), func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Update(docstore.Doc("things", "ghost"), docstore.Set("count", 1))
		})
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("failed commit writes nothing", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		existing := docstore.Doc("things", "existing")
		fresh := docstore.Doc("things", "fresh")

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Create(existing, counter{Name: "existing"})
		}))

		err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			if err := tx.Create(fresh, counter{Name: "fresh"}); err != nil {
				return err
			}
			return tx.Create(existing, counter{Name: "again"})
		})
		require.ErrorIs(t, err, docstore.ErrAlreadyExists)

		snap, err := s.Get(ctx, fresh)
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})

	t.Run("error from callback aborts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc("things", "aborted")
		boom := errors.New("boom")

		err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			if err := tx.Set(ref, counter{Name: "aborted"}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc("things", "gone")

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Set(ref, counter{Name: "gone"})
		}))
		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Delete(ref)
		}))
		// deleting twice is fine
		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Delete(ref)
		}))

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})

	t.Run("query filters and orders by id", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			for _, c := range []counter{{Name: "c", Count: 1}, {Name: "a", Count: 1}, {Name: "b", Count: 2}} {
				if err := tx.Create(docstore.Doc("things", c.Name), c); err != nil {
					return err
				}
			}
			return tx.Create(docstore.Doc("others", "a"), counter{Name: "a", Count: 1})
		}))

		snaps, err := s.Query(ctx, "things", docstore.Where("count", 1))
		require.NoError(t, err)
		require.Len(t, snaps, 2)
		assert.Equal(t, "a", snaps[0].Ref.ID)
		assert.Equal(t, "c", snaps[1].Ref.ID)

		all, err := s.Query(ctx, "things")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		empty, err := s.Query(ctx, "nothing-here")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("reads after writes are rejected", func(t *testing.T) {
		s := open(t)

		err := s.RunTransaction(context.Background(), func(ctx context.Context, tx *docstore.Tx) error {
			if err := tx.Set(docstore.Doc("things", "x"), counter{}); err != nil {
				return err
			}
			_, err := tx.Get(ctx, docstore.Doc("things", "x"))
			return err
		})
		assert.ErrorIs(t, err, docstore.ErrReadAfterWrite)
	})

	t.Run("stale read conflicts and retries", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc("things", "raced")

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Set(ref, counter{Name: "raced"})
		}))

		attempts := 0
		err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			attempts++

			snap, err := tx.Get(ctx, ref)
			if err != nil {
				return err
			}

			if attempts == 1 {
				// another writer commits between our read and our commit
				if err := s.RunTransaction(ctx, func(ctx context.Context, other *docstore.Tx) error {
					return other.Update(ref, docstore.Set("count", docstore.Increment(10)))
				}); err != nil {
					return err
				}
			}

			var c counter
			if err := snap.DataTo(&c); err != nil {
				return err
			}

			return tx.Set(ref, counter{Name: c.Name, Count: c.Count + 1})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		var got counter
		require.NoError(t, snap.DataTo(&got))
		assert.Equal(t, int64(11), got.Count)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ref := docstore.Doc("things", "hot")

		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
			return tx.Set(ref, counter{Name: "hot"})
		}))

		const workers = 5
		var wg sync.WaitGroup
		errs := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
					snap, err := tx.Get(ctx, ref)
					if err != nil {
						return err
					}
					var c counter
					if err := snap.DataTo(&c); err != nil {
						return err
					}
					return tx.Set(ref, counter{Name: c.Name, Count: c.Count + 1})
				})
			}()
		}

		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, docstore.ErrConflict)
		}

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		var got counter
		require.NoError(t, snap.DataTo(&got))
		assert.Equal(t, int64(succeeded), got.Count)
		assert.Positive(t, succeeded)
	})
}
