package database

import (
	"embed"
	stderrors "errors"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to the latest embedded version.  It is a
// no-op when the schema is already current.
func Migrate(db *sqlx.DB, dbName string, log logrus.FieldLogger) error {
	m, err := newMigrator(db, dbName)
	if err != nil {
		return err
	}
	before, _, _ := m.Version()
	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	after, dirty, _ := m.Version()
	log.WithFields(logrus.Fields{"from": before, "to": after, "dirty": dirty}).Info("database: schema migrated")
	return nil
}

// MigrateDown rolls back steps migrations.
func MigrateDown(db *sqlx.DB, dbName string, steps int) error {
	m, err := newMigrator(db, dbName)
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate down")
	}
	return nil
}

func newMigrator(db *sqlx.DB, dbName string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "load migrations")
	}
	driver, err := migratemysql.WithInstance(db.DB, &migratemysql.Config{DatabaseName: dbName})
	if err != nil {
		return nil, errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return nil, errors.Wrap(err, "migrator")
	}
	return m, nil
}
