package uow

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"optimistic": true, "l1_max_capacity": 60, "max_flush_passes": 0}`), 0o600))

	o, err := LoadOptions(path)
	require.NoError(t, err)
	require.True(t, o.Optimistic)
	require.True(t, o.NontransactionalRead, "unset options keep their defaults")
	require.Equal(t, 60, o.L1MaxCapacity)
	require.Equal(t, 50, o.L1MinCapacity)
	require.Equal(t, DefaultMaxFlushPasses, o.MaxFlushPasses)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestConfigureLogging(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	t.Setenv("UOW_LOG_LEVEL", "WARN")
	ConfigureLogging()
	ctx := context.Background()
	require.False(t, slog.Default().Enabled(ctx, slog.LevelInfo))
	require.True(t, slog.Default().Enabled(ctx, slog.LevelWarn))

	SetLogLevel(slog.LevelDebug)
	require.True(t, slog.Default().Enabled(ctx, slog.LevelDebug))
}

func TestUUID(t *testing.T) {
	id := NewUUID()
	require.False(t, id.IsNil())
	require.True(t, NilUUID.IsNil())

	parsed, err := ParseUUID(id.String())
	require.NoError(t, err)
	require.Zero(t, parsed.Compare(id))
	require.Equal(t, -1, NilUUID.Compare(id))

	_, err = ParseUUID("not-a-uuid")
	require.Error(t, err)
}
