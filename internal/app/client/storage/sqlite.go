package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Storage — локальная персистентность клиента: записи дневника, индекс
// блобов, завернутые ключи данных, состояние синхронизации и очередь
// мутаций живут в одной базе SQLite; сами зашифрованные блобы — в файлах.
type Storage struct {
	db    *sql.DB
	dir   string
	locks *EntityLocks
}

// Open открывает (создает) базу в dataDir и инициализирует схему.
func Open(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории данных: %w", err)
	}

	path := filepath.Join(dataDir, "echokeeper.db")
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}

	s := &Storage{
		db:    db,
		dir:   dataDir,
		locks: NewEntityLocks(),
	}

	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка инициализации таблиц: %w", err)
	}

	return s, nil
}

func (s *Storage) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			audio_blob_ref TEXT NOT NULL DEFAULT '',
			metadata_blob_ref TEXT NOT NULL DEFAULT '',
			local_version INTEGER NOT NULL DEFAULT 1,
			remote_version INTEGER NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL DEFAULT 'local'
		);

		CREATE INDEX IF NOT EXISTS idx_entries_status ON journal_entries(sync_status);
		CREATE INDEX IF NOT EXISTS idx_entries_created ON journal_entries(created_at);

		CREATE TABLE IF NOT EXISTS blobs (
			id TEXT PRIMARY KEY,
			purpose TEXT NOT NULL,
			size INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS data_keys (
			purpose TEXT NOT NULL,
			id TEXT NOT NULL,
			wrapped BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (purpose, id)
		);

		CREATE TABLE IF NOT EXISTS data_keys_staging (
			purpose TEXT NOT NULL,
			id TEXT NOT NULL,
			wrapped BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (purpose, id)
		);

		CREATE TABLE IF NOT EXISTS meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_state (
			entity_id TEXT PRIMARY KEY,
			local_version INTEGER NOT NULL DEFAULT 0,
			remote_version INTEGER NOT NULL DEFAULT 0,
			last_synced_hash TEXT NOT NULL DEFAULT '',
			last_attempt_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS sync_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			op_kind TEXT NOT NULL,
			payload_ref TEXT NOT NULL DEFAULT '',
			enqueued_at DATETIME NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			fail_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);

		-- Не более одной активной (pending/inflight) операции на сущность
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_entity
			ON sync_queue(entity_id) WHERE status IN ('pending', 'inflight');
	`)

	return err
}

// DB отдает соединение для слоев, живущих в той же базе (очередь).
func (s *Storage) DB() *sql.DB { return s.db }

// Dir — корневая директория данных клиента.
func (s *Storage) Dir() string { return s.dir }

// Locks — разделяемые по-сущностные блокировки: все мутации блоба,
// записи и очереди одной сущности сериализуются через них.
func (s *Storage) Locks() *EntityLocks { return s.locks }

func (s *Storage) Close() error {
	return s.db.Close()
}
