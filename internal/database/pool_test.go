package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/webpilot/config"
	"github.com/BaSui01/webpilot/internal/metrics"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	assert.Same(t, gormDB, manager.DB())
	assert.Equal(t, "tasks", manager.config.Name)
	assert.Equal(t, 10, manager.GetStats().MaxOpenConnections)
}

func TestNewPoolManager_Rejects(t *testing.T) {
	_, err := NewPoolManager(nil, testPoolConfig(), nil, nil)
	assert.Error(t, err)

	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()
	_, err = NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 2, MaxIdleConns: 5}, nil, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_HealthCheckRecordsConnections(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith("test", reg, zap.NewNop())
	cfg := testPoolConfig()
	cfg.Name = "primary"

	manager, err := NewPoolManager(gormDB, cfg, zaptest.NewLogger(t), collector)
	require.NoError(t, err)

	mock.ExpectPing()
	manager.checkOnce()
	assert.NoError(t, mock.ExpectationsWereMet())

	n, err := testutil.GatherAndCount(reg, "test_db_connections_open", "test_db_connections_idle")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPoolManager_HealthCheckLoopStopsOnClose(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 50; i++ {
		mock.ExpectPing()
	}
	mock.ExpectClose()

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	manager, err := NewPoolManager(gormDB, cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = manager.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on the health check loop")
	}
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid config", testPoolConfig(), false},
		{"invalid max open conns", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"invalid max idle conns", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
		{"defaults", DefaultPoolConfig(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// 🧪 Open / InstrumentQueries 测试
// =============================================================================

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialector(config.DatabaseConfig{Driver: driver, Name: "x"})
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
	_, err := Dialector(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

type note struct {
	ID   uint `gorm:"primaryKey"`
	Body string
}

func TestOpen_SQLiteWithInstrumentation(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "test.db")}
	db, err := Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith("test", reg, zap.NewNop())
	require.NoError(t, InstrumentQueries(db, "tasks", collector))

	require.NoError(t, db.AutoMigrate(&note{}))
	require.NoError(t, db.Create(&note{Body: "hello"}).Error)
	var got note
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "hello", got.Body)

	// create 与 query 各一个标签组合
	n, err := testutil.GatherAndCount(reg, "test_db_query_duration_seconds")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	manager, err := NewPoolManager(db, DefaultPoolConfig(), zaptest.NewLogger(t), collector)
	require.NoError(t, err)
	assert.NoError(t, manager.Ping(context.Background()))
	assert.NoError(t, manager.Close())
}

func TestInstrumentQueries_NilCollector(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()
	assert.NoError(t, InstrumentQueries(gormDB, "tasks", nil))
}
