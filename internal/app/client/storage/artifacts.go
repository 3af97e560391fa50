package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"echokeeper/internal/app/client/crypto"

	"golang.org/x/exp/slog"
)

var ErrArtifactNotFound = errors.New("storage: artifact not found")

// ArtifactStore — хранилище зашифрованных артефактов (аудио, метаданные).
// Открытый текст никогда не касается диска: шифрование происходит до записи,
// расшифровка — после проверки контрольной суммы. Блобы лежат плоскими
// файлами в <dir>/blobs, индекс — в таблице blobs.
type ArtifactStore struct {
	db        *sql.DB
	hierarchy *crypto.Hierarchy
	engine    *crypto.Engine
	blobDir   string
	log       *slog.Logger
}

// ArtifactInfo — запись индекса блобов.
type ArtifactInfo struct {
	ID        string
	Purpose   string
	Size      int64
	Checksum  string
	CreatedAt time.Time
}

func NewArtifactStore(s *Storage, h *crypto.Hierarchy, engine *crypto.Engine, log *slog.Logger) (*ArtifactStore, error) {
	blobDir := filepath.Join(s.dir, "blobs")
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории блобов: %w", err)
	}
	return &ArtifactStore{
		db:        s.db,
		hierarchy: h,
		engine:    engine,
		blobDir:   blobDir,
		log:       log.With("component", "artifact_store"),
	}, nil
}

// Put шифрует plaintext ключом данных (purpose, id) и сохраняет блоб на диск
// вместе с записью индекса. Контрольная сумма считается по зашифрованному
// файлу — она ловит гниение бита до того, как дело дойдет до тега.
func (a *ArtifactStore) Put(ctx context.Context, purpose, id string, plaintext []byte) error {
	key, err := a.hierarchy.GetOrCreateDataKey(ctx, purpose, id)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	blob, err := a.engine.Encrypt(plaintext, key, artifactAAD(purpose, id))
	if err != nil {
		return fmt.Errorf("ошибка шифрования артефакта: %w", err)
	}

	raw := blob.Marshal()
	sum := sha256.Sum256(raw)

	path := a.blobPath(id)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("ошибка записи блоба: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO blobs (id, purpose, size, checksum, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			purpose = excluded.purpose,
			size = excluded.size,
			checksum = excluded.checksum
	`, id, purpose, int64(len(raw)), hex.EncodeToString(sum[:]), time.Now().UTC())
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("ошибка записи индекса блоба: %w", err)
	}

	a.log.Debug("Артефакт сохранен", "purpose", purpose, "id", id, "size", len(raw))
	return nil
}

// WriteRaw сохраняет уже зашифрованный блоб как есть — так перенимается
// победившая серверная версия при конфликте. Формат блоба проверяется до
// записи; расшифровать его сможет только владелец того же ключа данных
// (purpose, id).
func (a *ArtifactStore) WriteRaw(ctx context.Context, purpose, id string, raw []byte) error {
	if _, err := crypto.UnmarshalBlob(raw); err != nil {
		return fmt.Errorf("ошибка проверки формата блоба: %w", err)
	}

	sum := sha256.Sum256(raw)
	path := a.blobPath(id)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("ошибка записи блоба: %w", err)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO blobs (id, purpose, size, checksum, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			purpose = excluded.purpose,
			size = excluded.size,
			checksum = excluded.checksum
	`, id, purpose, int64(len(raw)), hex.EncodeToString(sum[:]), time.Now().UTC())
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("ошибка записи индекса блоба: %w", err)
	}

	a.log.Debug("Артефакт перезаписан серверной копией", "purpose", purpose, "id", id, "size", len(raw))
	return nil
}

// Get читает блоб, сверяет контрольную сумму и расшифровывает.
// Несовпадение суммы — ErrCorrupt (повреждение носителя), несовпадение
// тега при верной сумме — ErrTampered (подмена или чужой ключ).
func (a *ArtifactStore) Get(ctx context.Context, purpose, id string) ([]byte, error) {
	info, err := a.Stat(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(a.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения блоба: %w", err)
	}

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != info.Checksum {
		return nil, fmt.Errorf("%w: контрольная сумма блоба %s не сошлась", crypto.ErrCorrupt, id)
	}

	blob, err := crypto.UnmarshalBlob(raw)
	if err != nil {
		return nil, err
	}

	key, err := a.hierarchy.GetOrCreateDataKey(ctx, purpose, id)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	return a.engine.Decrypt(blob, key, artifactAAD(purpose, id))
}

// Stat возвращает запись индекса без чтения самого блоба.
func (a *ArtifactStore) Stat(ctx context.Context, id string) (*ArtifactInfo, error) {
	var info ArtifactInfo
	err := a.db.QueryRowContext(ctx,
		"SELECT id, purpose, size, checksum, created_at FROM blobs WHERE id = ?", id,
	).Scan(&info.ID, &info.Purpose, &info.Size, &info.Checksum, &info.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения индекса блоба: %w", err)
	}
	return &info, nil
}

// ReadRaw отдает зашифрованный блоб как есть (для выгрузки на сервер —
// сервер хранит его непрозрачным).
func (a *ArtifactStore) ReadRaw(ctx context.Context, id string) ([]byte, error) {
	if _, err := a.Stat(ctx, id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(a.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения блоба: %w", err)
	}
	return raw, nil
}

// Delete удаляет блоб, запись индекса и ключ данных. Удаление ключа делает
// любые уцелевшие копии шифротекста невосстановимыми.
func (a *ArtifactStore) Delete(ctx context.Context, purpose, id string) error {
	if err := os.Remove(a.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления блоба: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("ошибка удаления индекса блоба: %w", err)
	}
	if err := a.hierarchy.DeleteDataKey(ctx, purpose, id); err != nil {
		return err
	}

	a.log.Debug("Артефакт удален", "purpose", purpose, "id", id)
	return nil
}

func (a *ArtifactStore) blobPath(id string) string {
	return filepath.Join(a.blobDir, id+".blob")
}

// artifactAAD привязывает блоб к его области: файл, переименованный под
// чужой идентификатор, не расшифруется.
func artifactAAD(purpose, id string) []byte {
	return []byte("echokeeper/blob/" + purpose + "/" + id)
}
