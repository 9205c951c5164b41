package mysql

import (
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql" // MySQL driver for migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"    // file:// migration source
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config holds the database connection settings.
type Config struct {
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Database     string        `yaml:"database" validate:"nonzero"`
	Migrations   string        `yaml:"migrations"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	ConnLifeTime time.Duration `yaml:"conn_lifetime"`

	Conn *sqlx.DB
}

// String returns the connection string for the DB.
func (d *Config) String() string {
	return fmt.Sprintf(
		"%s:%s@(%s:%d)/%s?parseTime=true",
		d.User,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
	)
}

// Connect is *not* goroutine safe, and should only be called by the main
// app to initialize a connection.
func (d *Config) Connect() error {
	dbString := d.String()
	log.WithField("host", d.Host).WithField("database", d.Database).
		Info("Connecting to database")
	db, err := sqlx.Open("mysql", dbString)
	if err != nil {
		return errors.Wrap(err, "opening database connection")
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
		db.SetMaxIdleConns(d.MaxOpenConns)
	}
	if d.ConnLifeTime > 0 {
		db.SetConnMaxLifetime(d.ConnLifeTime)
	}
	d.Conn = db
	log.WithField("database", d.Database).Info("Connected to database")
	return nil
}

// AutoMigrate brings the schema up to date.
func (d *Config) AutoMigrate() error {
	if d.Migrations == "" {
		log.Info("No migrations directory configured, skipping migration")
		return nil
	}
	m, err := migrate.New("file://"+d.Migrations, "mysql://"+d.String())
	if err != nil {
		return errors.Wrap(err, "initializing migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "running migrations")
	}
	return nil
}
