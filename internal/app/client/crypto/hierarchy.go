package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slog"
)

var (
	// ErrKeyGeneration — не удалось создать или сохранить ключ.
	ErrKeyGeneration = errors.New("crypto: key generation failed")

	// ErrKeyRetrieval — ключ существует, но получить его не удалось.
	ErrKeyRetrieval = errors.New("crypto: key retrieval failed")

	// ErrKeyDeletion — не удалось удалить ключ.
	ErrKeyDeletion = errors.New("crypto: key deletion failed")

	// ErrKeyDerivation — не удалось вывести ключ из секрета.
	ErrKeyDerivation = errors.New("crypto: key derivation failed")

	// ErrKeyNotFound возвращается хранилищем ключей, когда алиас отсутствует.
	ErrKeyNotFound = errors.New("crypto: key not found")
)

// KeyStore — контракт защищенного хранилища ключей (см. пакет keystore).
// Запись по одному алиасу сериализуется реализацией.
type KeyStore interface {
	Store(alias string, key []byte) error
	Retrieve(alias string) ([]byte, error)
	Delete(alias string) error
	IsHardwareBacked() bool
}

// WrappedKey — завернутый (зашифрованный мастер-ключом) ключ данных
// вместе с его областью применения.
type WrappedKey struct {
	Purpose string
	ID      string
	Blob    []byte // сериализованный EncryptedBlob
}

// WrappedKeyRepository — персистентность завернутых ключей данных.
// SwapWrappedKeys обязан заменить весь набор и активный алиас мастер-ключа
// в одной транзакции: ротация либо происходит целиком, либо не происходит.
type WrappedKeyRepository interface {
	SaveWrappedKey(ctx context.Context, purpose, id string, blob []byte) error
	GetWrappedKey(ctx context.Context, purpose, id string) ([]byte, error)
	DeleteWrappedKey(ctx context.Context, purpose, id string) error
	ListWrappedKeys(ctx context.Context) ([]WrappedKey, error)
	ActiveMasterAlias(ctx context.Context) (string, error)
	SetActiveMasterAlias(ctx context.Context, alias string) error
	SwapWrappedKeys(ctx context.Context, keys []WrappedKey, newMasterAlias string) error
}

const (
	defaultMasterAlias = "master.v1"

	// PurposeAudio и PurposeMeta — области ключей данных: на каждую запись
	// дневника свой ключ аудио и свой ключ метаданных.
	PurposeAudio  = "audio"
	PurposeMeta   = "meta"
	PurposeExport = "export"
)

// Hierarchy управляет мастер-ключом и ключами данных. Ключи данных
// создаются лениво по (purpose, id), заворачиваются мастер-ключом и
// никогда не переиспользуются между идентификаторами.
type Hierarchy struct {
	keystore KeyStore
	repo     WrappedKeyRepository
	engine   *Engine
	log      *slog.Logger
	mu       sync.Mutex
}

// NewHierarchy создает иерархию ключей поверх хранилища ключей и
// репозитория завернутых ключей.
func NewHierarchy(ks KeyStore, repo WrappedKeyRepository, engine *Engine, log *slog.Logger) *Hierarchy {
	return &Hierarchy{
		keystore: ks,
		repo:     repo,
		engine:   engine,
		log:      log.With("component", "key_hierarchy"),
	}
}

// GetOrCreateMasterKey возвращает мастер-ключ, создавая его при первом
// обращении. Идемпотентна.
func (h *Hierarchy) GetOrCreateMasterKey(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.masterKeyLocked(ctx)
}

func (h *Hierarchy) masterKeyLocked(ctx context.Context) ([]byte, error) {
	alias, err := h.repo.ActiveMasterAlias(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: чтение активного алиаса: %v", ErrKeyRetrieval, err)
	}
	if alias == "" {
		alias = defaultMasterAlias
	}

	key, err := h.keystore.Retrieve(alias)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrieval, err)
	}

	// Первый запуск: генерируем и сохраняем
	key, err = GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if err := h.keystore.Store(alias, key); err != nil {
		Zero(key)
		return nil, fmt.Errorf("%w: сохранение мастер-ключа: %v", ErrKeyGeneration, err)
	}
	if err := h.repo.SetActiveMasterAlias(ctx, alias); err != nil {
		return nil, fmt.Errorf("%w: фиксация алиаса: %v", ErrKeyGeneration, err)
	}

	h.log.Info("Создан новый мастер-ключ",
		"alias", alias,
		"hardware_backed", h.keystore.IsHardwareBacked(),
	)
	return key, nil
}

// GetOrCreateDataKey возвращает ключ данных для (purpose, id). При первом
// обращении генерируется свежий случайный ключ, заворачивается мастер-ключом
// и сохраняется в завернутом виде.
func (h *Hierarchy) GetOrCreateDataKey(ctx context.Context, purpose, id string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	master, err := h.masterKeyLocked(ctx)
	if err != nil {
		return nil, err
	}

	wrapped, err := h.repo.GetWrappedKey(ctx, purpose, id)
	switch {
	case err == nil:
		return h.unwrap(wrapped, master, purpose, id)
	case errors.Is(err, ErrKeyNotFound):
		// Ключа еще нет — создаем
	default:
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrieval, err)
	}

	dataKey, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	blob, err := h.wrap(dataKey, master, purpose, id)
	if err != nil {
		Zero(dataKey)
		return nil, err
	}

	if err := h.repo.SaveWrappedKey(ctx, purpose, id, blob); err != nil {
		Zero(dataKey)
		return nil, fmt.Errorf("%w: сохранение завернутого ключа: %v", ErrKeyGeneration, err)
	}

	h.log.Debug("Создан ключ данных", "purpose", purpose, "id", id)
	return dataKey, nil
}

// DeleteDataKey удаляет завернутый ключ. Любой шифротекст под этим ключом
// становится невосстановимым — так реализуется криптографическое стирание
// записи дневника.
func (h *Hierarchy) DeleteDataKey(ctx context.Context, purpose, id string) error {
	if err := h.repo.DeleteWrappedKey(ctx, purpose, id); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("%w: %v", ErrKeyDeletion, err)
	}
	return nil
}

// RotateMasterKey выполняет ротацию: новый мастер-ключ, перезаворачивание
// всех ключей данных, атомарная подмена набора. Сбой на любом шаге оставляет
// либо полностью старое, либо полностью новое состояние.
func (h *Hierarchy) RotateMasterKey(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldAlias, err := h.repo.ActiveMasterAlias(ctx)
	if err != nil {
		return fmt.Errorf("%w: чтение активного алиаса: %v", ErrKeyRetrieval, err)
	}
	if oldAlias == "" {
		oldAlias = defaultMasterAlias
	}

	oldMaster, err := h.masterKeyLocked(ctx)
	if err != nil {
		return err
	}
	defer Zero(oldMaster)

	newMaster, err := GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	defer Zero(newMaster)

	newAlias := nextMasterAlias(oldAlias)

	// Новый ключ кладем под новым алиасом ДО подмены набора: если упадем
	// до коммита, активным остается старый алиас и старый набор.
	if err := h.keystore.Store(newAlias, newMaster); err != nil {
		return fmt.Errorf("%w: сохранение нового мастер-ключа: %v", ErrKeyGeneration, err)
	}

	keys, err := h.repo.ListWrappedKeys(ctx)
	if err != nil {
		return fmt.Errorf("%w: перечисление завернутых ключей: %v", ErrKeyRetrieval, err)
	}

	rewrapped := make([]WrappedKey, 0, len(keys))
	for _, wk := range keys {
		dataKey, err := h.unwrap(wk.Blob, oldMaster, wk.Purpose, wk.ID)
		if err != nil {
			return fmt.Errorf("ротация прервана на ключе %s.%s: %w", wk.Purpose, wk.ID, err)
		}
		blob, err := h.wrap(dataKey, newMaster, wk.Purpose, wk.ID)
		Zero(dataKey)
		if err != nil {
			return err
		}
		rewrapped = append(rewrapped, WrappedKey{Purpose: wk.Purpose, ID: wk.ID, Blob: blob})
	}

	// Одна транзакция: подмена всего набора и активного алиаса.
	if err := h.repo.SwapWrappedKeys(ctx, rewrapped, newAlias); err != nil {
		return fmt.Errorf("%w: подмена набора ключей: %v", ErrKeyGeneration, err)
	}

	// Старый мастер-ключ уничтожаем в последнюю очередь; ошибка здесь
	// не откатывает ротацию, ключ больше ни на что не ссылается.
	if err := h.keystore.Delete(oldAlias); err != nil {
		h.log.Warn("Не удалось удалить старый мастер-ключ", "alias", oldAlias, "error", err)
	}

	h.log.Info("Ротация мастер-ключа завершена",
		"old_alias", oldAlias,
		"new_alias", newAlias,
		"rewrapped", len(rewrapped),
	)
	return nil
}

// IsHardwareBacked сообщает, защищен ли мастер-ключ аппаратным хранилищем.
func (h *Hierarchy) IsHardwareBacked() bool {
	return h.keystore.IsHardwareBacked()
}

func (h *Hierarchy) wrap(dataKey, master []byte, purpose, id string) ([]byte, error) {
	blob, err := h.engine.Encrypt(dataKey, master, keyAAD(purpose, id))
	if err != nil {
		return nil, fmt.Errorf("%w: заворачивание ключа: %v", ErrKeyGeneration, err)
	}
	return blob.Marshal(), nil
}

func (h *Hierarchy) unwrap(wrapped, master []byte, purpose, id string) ([]byte, error) {
	blob, err := UnmarshalBlob(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: завернутый ключ поврежден: %v", ErrKeyRetrieval, err)
	}
	dataKey, err := h.engine.Decrypt(blob, master, keyAAD(purpose, id))
	if err != nil {
		// Не тот мастер-ключ или подмена завернутого ключа
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrieval, err)
	}
	return dataKey, nil
}

// keyAAD привязывает завернутый ключ к его области: ключ, переписанный
// под чужой (purpose, id), не развернется.
func keyAAD(purpose, id string) []byte {
	return []byte("echokeeper/key/" + purpose + "/" + id)
}

func nextMasterAlias(current string) string {
	var n int
	if _, err := fmt.Sscanf(current, "master.v%d", &n); err != nil || n < 1 {
		n = 1
	}
	return fmt.Sprintf("master.v%d", n+1)
}
