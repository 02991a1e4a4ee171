package postgres

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlFile(body string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(body)} }

func TestLoadMigrations(t *testing.T) {
	t.Parallel()

	set, err := loadMigrations(fstest.MapFS{
		"sql/migrations/0002_carts.down.sql":  sqlFile("DROP TABLE carts;"),
		"sql/migrations/0001_orders.up.sql":   sqlFile("CREATE TABLE orders (id TEXT);"),
		"sql/migrations/0002_carts.up.sql":    sqlFile("CREATE TABLE carts (id TEXT);"),
		"sql/migrations/0001_orders.down.sql": sqlFile("DROP TABLE orders;"),
	})
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "0001_orders", set[0].String())
	assert.Equal(t, "0002_carts", set[1].String())
	assert.Equal(t, "DROP TABLE carts;", set[1].DownSQL)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fs      fstest.MapFS
		wantErr string
	}{
		"no files": {
			fs:      fstest.MapFS{"sql/readme.txt": sqlFile("-")},
			wantErr: "no migration files",
		},
		"missing down": {
			fs:      fstest.MapFS{"sql/migrations/0001_orders.up.sql": sqlFile("SELECT 1;")},
			wantErr: "both up and down",
		},
		"bad name": {
			fs:      fstest.MapFS{"sql/migrations/orders.sql": sqlFile("SELECT 1;")},
			wantErr: "invalid migration file name",
		},
		"empty body": {
			fs: fstest.MapFS{
				"sql/migrations/0001_orders.up.sql":   sqlFile(" \n\t"),
				"sql/migrations/0001_orders.down.sql": sqlFile("DROP TABLE orders;"),
			},
			wantErr: "is empty",
		},
		"name mismatch": {
			fs: fstest.MapFS{
				"sql/migrations/0001_orders.up.sql":  sqlFile("SELECT 1;"),
				"sql/migrations/0001_carts.down.sql": sqlFile("SELECT 1;"),
			},
			wantErr: "two names",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := loadMigrations(tc.fs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	set, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.Len(t, set, 3)
	for i, m := range set {
		assert.EqualValues(t, i+1, m.Version)
		assert.Contains(t, m.DownSQL, "DROP TABLE", m.String())
	}
}

func TestMigrationSet_Plans(t *testing.T) {
	t.Parallel()

	set := migrationSet{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	applied := map[int64]time.Time{1: at}

	versions := func(ms []migration) []int64 {
		out := make([]int64, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.Version)
		}
		return out
	}

	assert.Equal(t, []int64{2, 3}, versions(set.pending(applied, 0)))
	assert.Equal(t, []int64{2}, versions(set.pending(applied, 1)))
	assert.Empty(t, set.pending(map[int64]time.Time{1: at, 2: at, 3: at}, 0))

	plan, err := set.rollback(map[int64]time.Time{1: at, 2: at, 3: at}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, versions(plan))

	_, err = set.rollback(map[int64]time.Time{7: at}, 1)
	assert.ErrorContains(t, err, "unknown migration version 7")

	states := set.states(applied)
	require.Len(t, states, 3)
	assert.True(t, states[0].Applied)
	assert.Equal(t, at, *states[0].AppliedAt)
	assert.False(t, states[2].Applied)
	assert.Nil(t, states[2].AppliedAt)
}

func TestStore_NilGuards(t *testing.T) {
	t.Parallel()

	var store *Store
	ctx := context.Background()
	assert.ErrorIs(t, store.MigrateUp(ctx, 0), errStoreClosed)
	assert.ErrorIs(t, store.MigrateDown(ctx, 1), errStoreClosed)
	_, err := store.MigrationStatus(ctx)
	assert.ErrorIs(t, err, errStoreClosed)
	assert.ErrorIs(t, store.Ping(ctx), errStoreClosed)
	assert.NoError(t, store.Close())
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `pickup:50\%\_a\\b`, escapeLike(`pickup:50%_a\b`))
}
