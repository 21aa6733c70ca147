package database

import (
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type MigrationConfig struct {
	MigrationFolderPath string
	DatabaseName        string
	Version             uint
	Force               int
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// Migrate applies the file-based migrations up to the configured version
// (latest when Version is zero).
func (ms *MigrationService) Migrate(db DB) error {
	driver, err := postgres.WithInstance(db.Unsafe().DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}

	return ms.run(driver)
}

func (ms *MigrationService) run(driver migratedb.Driver) error {
	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", ms.config.MigrationFolderPath),
		ms.config.DatabaseName,
		driver,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create migration instance")
	}
	m.Log = MigrationLogger{ms.logger}

	if ms.config.Force > 0 {
		ms.logger.Warnf("Forcing migration version %d", ms.config.Force)
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrap(err, "failed to force migration version")
		}
	}

	if ms.config.Version > 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	if err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to run migrations")
	}

	version, dirty, _ := m.Version()
	ms.logger.WithFields(map[string]any{"version": version, "dirty": dirty}).Info("Database migrations applied")
	return nil
}
