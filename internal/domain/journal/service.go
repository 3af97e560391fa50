package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
)

// Repository — хранилище записей дневника. Сервер оперирует только
// зашифрованными блобами, содержимое записей ему недоступно.
type Repository interface {
	// Create вставляет запись. Возвращает false, если запись с таким ID
	// уже существует (повторная доставка той же мутации).
	Create(ctx context.Context, e *Entry) (bool, error)
	Get(ctx context.Context, userID int, id string) (*Entry, error)
	List(ctx context.Context, userID int) ([]Entry, error)
	// UpdateVersioned применяет обновление только если remote_version
	// записи равна baseVersion. Возвращает ErrVersionConflict иначе.
	UpdateVersioned(ctx context.Context, userID int, id string, baseVersion int64, encryptedMeta, audioChecksum, deviceID string) (*Entry, error)
	// SoftDelete помечает запись удаленной и поднимает версию.
	// Повторное удаление — не ошибка.
	SoftDelete(ctx context.Context, userID int, id, deviceID string) error
	SetAudio(ctx context.Context, userID int, id string, blob []byte) error
	GetAudio(ctx context.Context, userID int, id string) ([]byte, error)
}

type Servicer interface {
	Create(ctx context.Context, userID int, req CreateRequest) (*CreateResponse, error)
	Update(ctx context.Context, userID int, id string, req UpdateRequest) (*UpdateResponse, error)
	Delete(ctx context.Context, userID int, id, deviceID string) error
	List(ctx context.Context, userID int) (ListResponse, error)
	UploadAudio(ctx context.Context, userID int, id string, blob []byte) error
	DownloadAudio(ctx context.Context, userID int, id string) ([]byte, error)
}

// VersionConflictError несет текущее состояние сервера, чтобы клиент мог
// детерминированно разрешить конфликт по времени фиксации.
type VersionConflictError struct {
	State ConflictResponse
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server at v%d", e.State.RemoteVersion)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

type Service struct {
	repo Repository
	log  *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With("component", "journal_service"),
	}
}

// Create фиксирует новую запись: сервер назначает remote_version=1 и
// серверную метку времени. Повторная доставка того же create (ретрай
// клиента после обрыва сети) возвращает уже назначенную версию.
func (s *Service) Create(ctx context.Context, userID int, req CreateRequest) (*CreateResponse, error) {
	if req.ID == "" || req.EncryptedMeta == "" {
		return nil, fmt.Errorf("%w: id and encrypted_meta are required", ErrInvalidData)
	}

	e := &Entry{
		ID:            req.ID,
		UserID:        userID,
		EncryptedMeta: req.EncryptedMeta,
		AudioChecksum: req.AudioChecksum,
		RemoteVersion: 1,
		CommittedAt:   time.Now().UTC(),
		DeviceID:      req.DeviceID,
	}

	created, err := s.repo.Create(ctx, e)
	if err != nil {
		s.log.Error("failed to create entry", "entry_id", req.ID, "user_id", userID, "error", err)
		return nil, fmt.Errorf("create entry: %w", err)
	}

	if !created {
		existing, err := s.repo.Get(ctx, userID, req.ID)
		if err != nil {
			return nil, fmt.Errorf("create entry: %w", err)
		}
		s.log.Debug("duplicate create, returning committed state", "entry_id", req.ID)
		return &CreateResponse{
			ID:            existing.ID,
			RemoteVersion: existing.RemoteVersion,
			CommittedAt:   existing.CommittedAt,
		}, nil
	}

	return &CreateResponse{
		ID:            e.ID,
		RemoteVersion: e.RemoteVersion,
		CommittedAt:   e.CommittedAt,
	}, nil
}

// Update применяет обновление поверх версии, которую клиент считает
// текущей. Расхождение версий — конфликт: в ответе текущее состояние
// сервера, решение остается за клиентом.
func (s *Service) Update(ctx context.Context, userID int, id string, req UpdateRequest) (*UpdateResponse, error) {
	if req.EncryptedMeta == "" {
		return nil, fmt.Errorf("%w: encrypted_meta is required", ErrInvalidData)
	}

	e, err := s.repo.UpdateVersioned(ctx, userID, id, req.BaseVersion,
		req.EncryptedMeta, req.AudioChecksum, req.DeviceID)
	if err == nil {
		return &UpdateResponse{
			ID:            e.ID,
			RemoteVersion: e.RemoteVersion,
			CommittedAt:   e.CommittedAt,
		}, nil
	}

	if !errors.Is(err, ErrVersionConflict) {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		s.log.Error("failed to update entry", "entry_id", id, "user_id", userID, "error", err)
		return nil, fmt.Errorf("update entry: %w", err)
	}

	current, gerr := s.repo.Get(ctx, userID, id)
	if gerr != nil {
		if errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conflict state: %w", gerr)
	}

	s.log.Info("update conflict",
		"entry_id", id, "base_version", req.BaseVersion,
		"server_version", current.RemoteVersion, "deleted", current.DeletedAt != nil)

	// Для удаленной записи шифротекст уже затерт — отдаем только факт удаления
	return nil, &VersionConflictError{State: ConflictResponse{
		ID:            current.ID,
		RemoteVersion: current.RemoteVersion,
		CommittedAt:   current.CommittedAt,
		Deleted:       current.DeletedAt != nil,
		EncryptedMeta: current.EncryptedMeta,
	}}
}

// Delete выполняет мягкое удаление без проверки версии: удаление всегда
// побеждает обновление. Остальные устройства узнают об этом из списка.
func (s *Service) Delete(ctx context.Context, userID int, id, deviceID string) error {
	if err := s.repo.SoftDelete(ctx, userID, id, deviceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		s.log.Error("failed to delete entry", "entry_id", id, "user_id", userID, "error", err)
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, userID int) (ListResponse, error) {
	entries, err := s.repo.List(ctx, userID)
	if err != nil {
		s.log.Error("failed to list entries", "user_id", userID, "error", err)
		return ListResponse{}, fmt.Errorf("list entries: %w", err)
	}
	return ListResponse{Entries: entries}, nil
}

// UploadAudio сохраняет зашифрованный аудиоблоб как есть. Сервер не
// проверяет и не расшифровывает содержимое.
func (s *Service) UploadAudio(ctx context.Context, userID int, id string, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("%w: empty audio blob", ErrInvalidData)
	}
	if err := s.repo.SetAudio(ctx, userID, id, blob); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		s.log.Error("failed to store audio", "entry_id", id, "user_id", userID, "error", err)
		return fmt.Errorf("store audio: %w", err)
	}
	return nil
}

func (s *Service) DownloadAudio(ctx context.Context, userID int, id string) ([]byte, error) {
	blob, err := s.repo.GetAudio(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		s.log.Error("failed to load audio", "entry_id", id, "user_id", userID, "error", err)
		return nil, fmt.Errorf("load audio: %w", err)
	}
	return blob, nil
}
