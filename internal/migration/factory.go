package migration

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/config"
)

// MigrationsTable 记录已应用版本的表；与其他服务共用数据库时不冲突
const MigrationsTable = "webpilot_schema_migrations"

// NewMigratorFromDatabaseConfig creates a migrator for the configured task store.
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypePostgres:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	case DatabaseTypeMySQL:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	case DatabaseTypeSQLite:
		// sqlite 的 Name 是文件路径
		if dbCfg.Name == "" || dbCfg.Name == ":memory:" {
			return nil, fmt.Errorf("sqlite migrations need a database file, got %q", dbCfg.Name)
		}
		dbURL = BuildDatabaseURL(dbType, "", 0, filepath.Clean(dbCfg.Name), "", "", "")
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    MigrationsTable,
		Logger:       logger,
	})
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    MigrationsTable,
		Logger:       logger,
	})
}
