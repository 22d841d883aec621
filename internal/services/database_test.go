package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGormLogsGoThroughZapWithoutMisses(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	db, err := InitDB("sqlite", filepath.Join(t.TempDir(), "log.db"), logger)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db, logger))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := NewStore(db)
	ctx := context.Background()

	// Every first activation starts with a lookup that finds nothing
	marker, err := store.GetActivation(ctx, "ORD-NONE")
	require.NoError(t, err)
	assert.Nil(t, marker)
	_, err = store.GetOrder(ctx, "ORD-NONE")
	require.ErrorIs(t, err, ErrOrderNotFound)
	assert.Zero(t, logs.FilterMessageSnippet("record not found").Len())

	// Real query errors still reach the zap logger
	var n int
	require.Error(t, db.Raw("SELECT count(*) FROM no_such_table").Scan(&n).Error)
	entries := logs.FilterLoggerName("gorm").FilterMessageSnippet("no_such_table").All()
	assert.NotEmpty(t, entries)
}
