package permissions

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinderops/kinderops/internal/platform/db/dbtest"
	"github.com/kinderops/kinderops/internal/shared"
)

func newPostgresRepo(t *testing.T) (*Repository, int64) {
	t.Helper()
	pool := dbtest.Open(t)
	userID := 1_000_000 + rand.Int64N(1_000_000_000)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM user_permissions WHERE user_id = $1`, userID)
	})
	return NewRepository(pool), userID
}

func TestRepositoryConcurrentFindOrCreate(t *testing.T) {
	repo, userID := newPostgresRepo(t)
	ctx := context.Background()

	const workers = 16
	type result struct {
		perm    Permission
		created bool
		err     error
	}
	results := make(chan result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res result
			res.err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				var err error
				res.perm, res.created, err = tx.FindOrCreate(ctx, userID, shared.PermAIQuery, LevelAllowed)
				return err
			})
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for res := range results {
		require.NoError(t, res.err)
		require.Equal(t, userID, res.perm.UserID)
		require.Equal(t, LevelAllowed, res.perm.Level)
		if res.created {
			created++
		}
	}
	require.Equal(t, 1, created)
}

func TestRepositoryConcurrentSetKeepsOneRow(t *testing.T) {
	repo, userID := newPostgresRepo(t)
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	levels := []Level{LevelDenied, LevelAllowed, LevelAdvanced}
	const workers = 12
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- svc.Set(ctx, userID, shared.PermAIQuery, levels[i%len(levels)])
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	perms, err := repo.ListForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.True(t, perms[0].Level.Valid())

	require.NoError(t, svc.Set(ctx, userID, shared.PermAIQuery, LevelAdvanced))
	got, err := repo.Get(ctx, userID, shared.PermAIQuery)
	require.NoError(t, err)
	require.Equal(t, LevelAdvanced, got.Level)
}

func TestRepositoryBulkGrantRollsBack(t *testing.T) {
	repo, userID := newPostgresRepo(t)
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetBulk(ctx, userID, map[string]Level{
		shared.PermAIQuery:           LevelAllowed,
		shared.PermAITemplatesManage: LevelAdvanced,
	}))
	perms, err := repo.ListForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, perms, 2)
	require.Equal(t, shared.PermAIQuery, perms[0].Key)
	require.Equal(t, shared.PermAITemplatesManage, perms[1].Key)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateLevel(ctx, userID, shared.PermAIQuery, LevelDenied); err != nil {
			return err
		}
		return tx.UpdateLevel(ctx, userID, "missing.key", LevelAllowed)
	})
	require.ErrorIs(t, err, ErrNotFound)

	got, err := repo.Get(ctx, userID, shared.PermAIQuery)
	require.NoError(t, err)
	require.Equal(t, LevelAllowed, got.Level)

	_, err = repo.Get(ctx, userID, "missing.key")
	require.ErrorIs(t, err, ErrNotFound)
}
