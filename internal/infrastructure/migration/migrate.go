package migration

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// Драйверы регистрируются blank-импортами
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"golang.org/x/exp/slog"

	"echokeeper/internal/app/server/config"
)

// Migrator — интерфейс поверх migrate.Migrate
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine — фабрика мигратора (в тестах подменяется, чтобы не
// трогать ФС и БД)
type MigrationEngine func(sourceURL, databaseURL string) (Migrator, error)

type Migration struct {
	cfg    *config.Config
	engine MigrationEngine
	log    *slog.Logger
}

func NewMigration(conf *config.Config, engine MigrationEngine, log *slog.Logger) *Migration {
	return &Migration{
		cfg:    conf,
		engine: engine,
		log:    log.With("component", "migration"),
	}
}

// DefaultEngine — реальная реализация для продакшена
func DefaultEngine(sourceURL, databaseURL string) (Migrator, error) {
	return migrate.New(sourceURL, databaseURL)
}

// Up накатывает схему журнала до актуальной версии. Отсутствие новых
// миграций ошибкой не считается.
func (mg *Migration) Up() (err error) {
	source := "file://" + mg.cfg.DB.Migrations
	mg.log.Info("applying journal schema migrations", "source", source)

	m, err := mg.engine(source, mg.cfg.DB.DatabaseURI)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source close: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database close: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			mg.log.Info("journal schema up to date")
			return nil
		}
		return fmt.Errorf("%w; migration up error", err)
	}
	mg.log.Info("journal schema migrated")
	return nil
}
