package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/config"
	"github.com/BaSui01/webpilot/internal/migration"
)

// =============================================================================
// 🗄️ Database Migration Commands
// =============================================================================

// migrateUp 在 serve 启动时应用所有待执行的迁移
func migrateUp(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// runMigrate handles `webpilot migrate <subcommand> [args] [options]`
func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}
	sub := args[0]
	if !slices.Contains(migration.Commands, sub) {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	// 位置参数（steps/goto/force 的版本号）可以写在选项之前
	positional, flags := splitPositional(args[1:])
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}
	positional = append(positional, fs.Args()...)

	logger := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer func() { _ = logger.Sync() }()

	migrator, err := createMigrator(*configPath, *dbType, *dbURL, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	runErr := migration.NewCLI(migrator).Run(context.Background(), sub, positional)
	_ = migrator.Close()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", runErr)
		os.Exit(1)
	}
}

// splitPositional 把开头的位置参数与选项分开；"-1" 这样的负数算位置参数
func splitPositional(args []string) (positional, flags []string) {
	for i, a := range args {
		if _, err := strconv.Atoi(a); err != nil && strings.HasPrefix(a, "-") {
			return positional, args[i:]
		}
		positional = append(positional, a)
	}
	return positional, nil
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置加载
func createMigrator(configPath, dbType, dbURL string, logger *zap.Logger) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  webpilot migrate <subcommand> [argument] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  down-all  Rollback all migrations
  steps N   Apply (N > 0) or rollback (N < 0) N migrations
  goto V    Migrate to a specific version
  force V   Force set migration version (use with caution)
  version   Show current migration version
  status    Show migration status
  info      Show migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  webpilot migrate up --config /etc/webpilot/config.yaml
  webpilot migrate status
  webpilot migrate steps -1
  webpilot migrate goto 1 --db-type sqlite --db-url sqlite3://webpilot.db`)
}
