package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/postgres"
	_ "github.com/golang-migrate/migrate/source/file"
	dbconf "github.com/kthomas/go-db-config"
	"github.com/provideplatform/unirep/common"
)

const defaultMigrationsSource = "file://./ops/migrations"

func main() {
	cfg := dbconf.GetDBConfig()

	source := os.Getenv("DATABASE_MIGRATIONS_SOURCE")
	if source == "" {
		source = defaultMigrationsSource
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DatabaseUser,
		cfg.DatabasePassword,
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseName,
		cfg.DatabaseSSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		common.Log.Warningf("migrations failed to open database %s; %s", cfg.DatabaseName, err.Error())
		os.Exit(1)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		common.Log.Warningf("migrations failed to initialize postgres driver; %s", err.Error())
		os.Exit(1)
	}

	m, err := migrate.NewWithDatabaseInstance(source, cfg.DatabaseName, driver)
	if err != nil {
		common.Log.Warningf("migrations failed to initialize from %s; %s", source, err.Error())
		os.Exit(1)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		common.Log.Warningf("migrations failed; %s", err.Error())
		os.Exit(1)
	}

	common.Log.Debugf("migrations applied to %s", cfg.DatabaseName)
}
