package database

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
)

func TestDialector(t *testing.T) {
	tests := []struct {
		driver  string
		name    string
		wantErr bool
	}{
		{"", "mysql", false},
		{"mysql", "mysql", false},
		{"postgres", "postgres", false},
		{"sqlite", "sqlite", false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := Dialector(&config.DatabaseConfig{Driver: tt.driver, Database: "ui_diff"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, d.Name())
		})
	}
}

func TestNewDB_SQLite(t *testing.T) {
	db, err := NewDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "ui_diff.db"),
	})
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable(&model.Report{}))
	assert.True(t, db.Migrator().HasTable(&model.BatchTask{}))
	assert.True(t, db.Migrator().HasTable(&model.BatchTaskItem{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Close())
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host := mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewRedis(&config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = NewRedis(&config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}
