package permissions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/shared"
)

type memoryRepo struct {
	rows    map[string]Permission
	failOn  map[string]error
	writes  int
	creates int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[string]Permission), failOn: make(map[string]error)}
}

func rowKey(userID int64, key string) string {
	return fmt.Sprintf("%d:%s", userID, key)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[string]Permission, len(r.rows))
	for k, v := range r.rows {
		snapshot[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.rows = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, userID int64, key string) (Permission, error) {
	p, ok := r.rows[rowKey(userID, key)]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) ListForUser(ctx context.Context, userID int64) ([]Permission, error) {
	var out []Permission
	for _, p := range r.rows {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindOrCreate(ctx context.Context, userID int64, key string, level Level) (Permission, bool, error) {
	return (&memoryTx{repo: r}).FindOrCreate(ctx, userID, key, level)
}

func (r *memoryRepo) UpdateLevel(ctx context.Context, userID int64, key string, level Level) error {
	return (&memoryTx{repo: r}).UpdateLevel(ctx, userID, key, level)
}

func (tx *memoryTx) FindOrCreate(ctx context.Context, userID int64, key string, level Level) (Permission, bool, error) {
	if err := tx.repo.failOn[key]; err != nil {
		return Permission{}, false, err
	}
	k := rowKey(userID, key)
	if p, ok := tx.repo.rows[k]; ok {
		return p, false, nil
	}
	now := time.Now()
	p := Permission{UserID: userID, Key: key, Level: level, CreatedAt: now, UpdatedAt: now}
	tx.repo.rows[k] = p
	tx.repo.creates++
	return p, true, nil
}

func (tx *memoryTx) UpdateLevel(ctx context.Context, userID int64, key string, level Level) error {
	k := rowKey(userID, key)
	p, ok := tx.repo.rows[k]
	if !ok {
		return ErrNotFound
	}
	p.Level = level
	p.UpdatedAt = time.Now()
	tx.repo.rows[k] = p
	tx.repo.writes++
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func TestCheckOrdinalTable(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, 1, "ai.query", LevelDenied))
	require.NoError(t, svc.Set(ctx, 2, "ai.query", LevelAllowed))
	require.NoError(t, svc.Set(ctx, 3, "ai.query", LevelAdvanced))

	cases := []struct {
		user     int64
		required Level
		want     bool
	}{
		{1, LevelDenied, true},
		{1, LevelAllowed, false},
		{1, LevelAdvanced, false},
		{2, LevelDenied, true},
		{2, LevelAllowed, true},
		{2, LevelAdvanced, false},
		{3, LevelDenied, true},
		{3, LevelAllowed, true},
		{3, LevelAdvanced, true},
		// no row at all
		{4, LevelDenied, false},
		{4, LevelAllowed, false},
		{4, LevelAdvanced, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("user%d_%s", tc.user, tc.required), func(t *testing.T) {
			got, err := svc.Check(ctx, tc.user, "ai.query", tc.required)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCheckRejectsInvalidRequiredLevel(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	_, err := svc.Check(context.Background(), 1, "ai.query", Level(7))
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestSetIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil)
	ctx := shared.ContextWithPrincipal(context.Background(), shared.Principal{UserID: 99, Role: "admin"})

	require.NoError(t, svc.Set(ctx, 7, "AI.Query ", LevelAllowed))
	require.Equal(t, 1, repo.creates)
	require.Equal(t, 0, repo.writes)

	require.NoError(t, svc.Set(ctx, 7, "ai.query", LevelAllowed))
	require.Equal(t, 0, repo.writes, "unchanged level must not write")

	require.NoError(t, svc.Set(ctx, 7, "ai.query", LevelAdvanced))
	require.Equal(t, 1, repo.writes)

	level, found, err := svc.GetLevel(ctx, 7, "ai.query")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, LevelAdvanced, level)

	require.Len(t, audit.logs, 2)
	require.Equal(t, int64(99), audit.logs[0].ActorID)
	require.Equal(t, "7", audit.logs[0].EntityID)
}

func TestSetValidatesInput(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	ctx := context.Background()
	require.ErrorIs(t, svc.Set(ctx, 0, "ai.query", LevelAllowed), ErrInvalidUser)
	require.ErrorIs(t, svc.Set(ctx, 1, "  ", LevelAllowed), ErrInvalidKey)
	require.ErrorIs(t, svc.Set(ctx, 1, "ai.query", Level(-1)), ErrInvalidLevel)
}

func TestSetBulkCommitsAll(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, 5, "ai.query", LevelDenied))
	err := svc.SetBulk(ctx, 5, map[string]Level{
		"ai.query":            LevelAdvanced,
		"ai.templates.manage": LevelAllowed,
	})
	require.NoError(t, err)

	ok, err := svc.Check(ctx, 5, "ai.query", LevelAdvanced)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.Check(ctx, 5, "ai.templates.manage", LevelAllowed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, audit.logs, 2)
	require.Equal(t, "permission.grant_bulk", audit.logs[1].Action)
}

func TestSetBulkRollsBackOnFailure(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, 5, "ai.query", LevelAllowed))
	boom := errors.New("constraint violated")
	repo.failOn["zz.broken"] = boom

	err := svc.SetBulk(ctx, 5, map[string]Level{
		"ai.query":            LevelAdvanced,
		"ai.templates.manage": LevelAdvanced,
		"zz.broken":           LevelAllowed,
	})
	require.ErrorIs(t, err, boom)

	level, found, err := svc.GetLevel(ctx, 5, "ai.query")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, LevelAllowed, level)

	_, found, err = svc.GetLevel(ctx, 5, "ai.templates.manage")
	require.NoError(t, err)
	require.False(t, found)
	require.Len(t, audit.logs, 1, "rolled back batch must not be audited")
}

func TestSetBulkRejectsInvalidBeforeTx(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	err := svc.SetBulk(context.Background(), 5, map[string]Level{"ai.query": LevelAllowed, "other": Level(9)})
	require.ErrorIs(t, err, ErrInvalidLevel)
	require.Empty(t, repo.rows)
}

func TestSetBulkRejectsKeysThatNormalizeTogether(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	// Map iteration order is random; the batch must fail every time.
	for i := 0; i < 50; i++ {
		err := svc.SetBulk(context.Background(), 1, map[string]Level{
			"AI.Query": LevelAdvanced,
			"ai.query": LevelDenied,
		})
		require.ErrorIs(t, err, ErrDuplicateKey)
		require.ErrorIs(t, err, httpx.ErrValidation)
	}
	require.Empty(t, repo.rows)
}
