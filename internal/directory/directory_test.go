package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/directory"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

func seed(t *testing.T, env *testutils.TestEnvironment) {
	t.Helper()
	ctx := context.Background()

	_, err := env.PostgresPool.Exec(ctx, `
		INSERT INTO users (id, nickname, avatar) VALUES
			(1, 'alice', 'a.png'),
			(2, 'bob', 'b.png')`)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = env.PostgresPool.Exec(ctx, `
		INSERT INTO posts (id, creator_id, title, tags, is_top, created_at) VALUES
			(10, 1, 'old',    '{go}',      FALSE, $1),
			(11, 1, 'newer',  '{}',        FALSE, $2),
			(12, 2, 'pinned', '{go,redis}', TRUE, $1),
			(13, 99, 'orphan', '{}',       FALSE, $3)`,
		base, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
}

func TestDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := testutils.SetupTestEnvironment(t)
	env.ResetTestData(t)
	seed(t, env)

	dir, err := directory.New(env.PostgresPool, 16, env.Logger)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("owner is cached", func(t *testing.T) {
		owner, err := dir.ResolveEntityOwner(ctx, "12")
		require.NoError(t, err)
		assert.Equal(t, int64(2), owner)

		_, err = env.PostgresPool.Exec(ctx, `DELETE FROM posts WHERE id = 12`)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = env.PostgresPool.Exec(ctx,
				`INSERT INTO posts (id, creator_id, title, tags, is_top) VALUES (12, 2, 'pinned', '{go,redis}', TRUE)`)
		})

		owner, err = dir.ResolveEntityOwner(ctx, "12")
		require.NoError(t, err)
		assert.Equal(t, int64(2), owner)
	})

	t.Run("unknown owner", func(t *testing.T) {
		for _, id := range []string{"404", "not-a-number"} {
			_, err := dir.ResolveEntityOwner(ctx, id)
			assert.True(t, apperrors.IsNotFound(err), id)
		}
	})

	t.Run("user summaries", func(t *testing.T) {
		u, err := dir.ResolveUserSummary(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, directory.UserSummary{ID: 1, Nickname: "alice", Avatar: "a.png"}, u)

		_, err = dir.ResolveUserSummary(ctx, 3)
		assert.ErrorIs(t, err, apperrors.ErrUserNotFound)

		found, err := dir.ResolveUserSummaries(ctx, []int64{1, 2, 3})
		require.NoError(t, err)
		assert.Len(t, found, 2)
		assert.Equal(t, "bob", found[2].Nickname)

		empty, err := dir.ResolveUserSummaries(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("count posts", func(t *testing.T) {
		n, err := dir.CountPosts(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("public posts pinned first then newest", func(t *testing.T) {
		items, hasMore, err := dir.ListPublicPosts(ctx, 0, 3)
		require.NoError(t, err)
		assert.True(t, hasMore)
		require.Len(t, items, 3)

		ids := []string{items[0].ID, items[1].ID, items[2].ID}
		assert.Equal(t, []string{"12", "13", "11"}, ids)
		assert.True(t, items[0].IsTop)
		assert.Equal(t, []string{"go", "redis"}, items[0].Tags)
		assert.Equal(t, "bob", items[0].AuthorNickname)
		assert.Empty(t, items[1].AuthorNickname, "author without a user row")

		items, hasMore, err = dir.ListPublicPosts(ctx, 3, 3)
		require.NoError(t, err)
		assert.False(t, hasMore)
		require.Len(t, items, 1)
		assert.Equal(t, "10", items[0].ID)
	})
}
