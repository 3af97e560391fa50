package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"echokeeper/internal/app/client/config"
	"echokeeper/internal/app/client/crypto"
	"echokeeper/internal/app/client/keystore"
	"echokeeper/internal/app/client/storage"
	"echokeeper/internal/app/client/syncengine"
	"echokeeper/internal/app/client/syncqueue"
)

// App связывает подсистемы клиента: хранилище ключей, иерархию ключей,
// зашифрованное хранилище артефактов, очередь и движок синхронизации.
// Все чувствительные данные шифруются до того, как коснутся диска или сети.
type App struct {
	config    *config.Config
	log       *slog.Logger
	keystore  keystore.SecureKeyStore
	engine    *crypto.Engine
	hierarchy *crypto.Hierarchy
	storage   *storage.Storage
	entries   *storage.EntryStore
	artifacts *storage.ArtifactStore
	queue     *syncqueue.Queue
	sync      *syncengine.Engine
	conn      *syncengine.StaticConnectivity
	remote    *httpClient

	deviceID      string
	authenticated bool
	mu            gosync.RWMutex
}

func New(cfg *config.Config, log *slog.Logger, prompt keystore.SecretPrompt) (*App, error) {
	ks, err := keystore.Select(keystore.Options{
		ServiceName:   "echokeeper",
		Dir:           cfg.ConfigDir,
		Prompt:        prompt,
		ForceSoftware: cfg.ForceSoftware,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("ошибка выбора хранилища ключей: %w", err)
	}

	engine := crypto.NewEngine()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия хранилища: %w", err)
	}

	hierarchy := crypto.NewHierarchy(ks, storage.NewKeyRepository(store), engine, log)

	artifacts, err := storage.NewArtifactStore(store, hierarchy, engine, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ошибка открытия хранилища артефактов: %w", err)
	}

	httpCl, err := NewHTTPClient(cfg, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ошибка инициализации HTTP клиента: %w", err)
	}

	deviceID, err := loadOrCreateDeviceID(cfg.DeviceIDPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ошибка инициализации идентификатора устройства: %w", err)
	}

	queue := syncqueue.New(store.DB(), log)
	conn := syncengine.NewStaticConnectivity(true, cfg.MeteredLink)

	app := &App{
		config:    cfg,
		log:       log,
		keystore:  ks,
		engine:    engine,
		hierarchy: hierarchy,
		storage:   store,
		entries:   storage.NewEntryStore(store),
		artifacts: artifacts,
		queue:     queue,
		conn:      conn,
		remote:    httpCl,
		deviceID:  deviceID,
	}

	app.sync = syncengine.New(queue, app.entries, artifacts, store.Locks(),
		httpCl, syncengine.NewRetryScheduler(), conn, log,
		syncengine.Options{DeviceID: deviceID, Workers: cfg.SyncWorkers})

	// Загружаем токен если он есть
	if token, err := app.GetToken(); err == nil && token != "" {
		httpCl.SetToken(token)
		app.authenticated = true
		log.Debug("Токен загружен из файла")
	}

	return app, nil
}

// loadOrCreateDeviceID читает идентификатор устройства или назначает новый.
func loadOrCreateDeviceID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// Init выполняет первичную инициализацию: создает мастер-ключ и проверяет,
// что иерархия ключей работоспособна.
func (a *App) Init(ctx context.Context) error {
	master, err := a.hierarchy.GetOrCreateMasterKey(ctx)
	if err != nil {
		return err
	}
	crypto.Zero(master)

	a.log.Info("Клиент инициализирован",
		"hardware_backed", a.hierarchy.IsHardwareBacked(),
		"device_id", a.deviceID,
	)
	return nil
}

// Unlock запрашивает доступ к мастер-ключу. Для программного хранилища это
// ввод парольной фразы с проверкой по контрольному хэшу; при первом запуске
// мастер-ключ создается здесь же.
func (a *App) Unlock(ctx context.Context) error {
	master, err := a.hierarchy.GetOrCreateMasterKey(ctx)
	if err != nil {
		if errors.Is(err, keystore.ErrWrongSecret) {
			return fmt.Errorf("неверная парольная фраза: %w", err)
		}
		return fmt.Errorf("ошибка разблокировки: %w", err)
	}
	crypto.Zero(master)
	return nil
}

// HardwareBacked сообщает, защищен ли мастер-ключ системным хранилищем.
func (a *App) HardwareBacked() bool {
	return a.hierarchy.IsHardwareBacked()
}

// CreateEntry создает запись дневника: аудио и метаданные шифруются каждое
// своим ключом данных, мутация Create встает в очередь синхронизации.
func (a *App) CreateEntry(ctx context.Context, req CreateEntryRequest) (string, error) {
	if err := validateEmotionalState(req.PreEmotionalState, req.PostEmotionalState); err != nil {
		return "", err
	}

	id := uuid.NewString()

	a.storage.Locks().Lock(id)
	defer a.storage.Locks().Unlock(id)

	metaRef := id + "-meta"
	audioRef := id + "-audio"

	metadata := storage.EntryMetadata{
		DurationSeconds:    req.DurationSeconds,
		PreEmotionalState:  req.PreEmotionalState,
		PostEmotionalState: req.PostEmotionalState,
		MoodLabel:          req.MoodLabel,
		Notes:              req.Notes,
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if err := a.artifacts.Put(ctx, crypto.PurposeMeta, metaRef, metaJSON); err != nil {
		return "", fmt.Errorf("ошибка шифрования метаданных: %w", err)
	}
	if err := a.artifacts.Put(ctx, crypto.PurposeAudio, audioRef, req.Audio); err != nil {
		return "", fmt.Errorf("ошибка шифрования аудио: %w", err)
	}

	entry := &storage.JournalEntry{
		ID:              id,
		CreatedAt:       time.Now().UTC(),
		DurationSeconds: req.DurationSeconds,
		AudioBlobRef:    audioRef,
		MetadataBlobRef: metaRef,
		LocalVersion:    1,
		SyncStatus:      storage.StatusLocal,
	}
	if err := a.entries.Save(ctx, entry); err != nil {
		return "", err
	}

	if err := a.queue.Enqueue(ctx, id, syncqueue.OpCreate, metaRef); err != nil {
		return "", err
	}

	a.log.Info("Запись создана", "id", id, "duration", req.DurationSeconds)
	return id, nil
}

// UpdateEntry заменяет метаданные записи и ставит Update в очередь.
// Повторные изменения до выгрузки схлопываются в одну операцию.
func (a *App) UpdateEntry(ctx context.Context, id string, req UpdateEntryRequest) error {
	if err := validateEmotionalState(req.PreEmotionalState, req.PostEmotionalState); err != nil {
		return err
	}

	a.storage.Locks().Lock(id)
	defer a.storage.Locks().Unlock(id)

	entry, err := a.entries.Get(ctx, id)
	if err != nil {
		return err
	}

	metadata := storage.EntryMetadata{
		DurationSeconds:    entry.DurationSeconds,
		PreEmotionalState:  req.PreEmotionalState,
		PostEmotionalState: req.PostEmotionalState,
		MoodLabel:          req.MoodLabel,
		Notes:              req.Notes,
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if err := a.artifacts.Put(ctx, crypto.PurposeMeta, entry.MetadataBlobRef, metaJSON); err != nil {
		return fmt.Errorf("ошибка шифрования метаданных: %w", err)
	}
	if err := a.entries.BumpLocalVersion(ctx, id); err != nil {
		return err
	}

	err = a.queue.Enqueue(ctx, id, syncqueue.OpUpdate, entry.MetadataBlobRef)
	if errors.Is(err, syncqueue.ErrEntityDeleted) {
		return fmt.Errorf("запись удалена и ожидает синхронизации удаления")
	}
	return err
}

// GetEntry возвращает запись с расшифрованными метаданными.
func (a *App) GetEntry(ctx context.Context, id string) (*DecryptedEntry, error) {
	entry, err := a.entries.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	metaJSON, err := a.artifacts.Get(ctx, crypto.PurposeMeta, entry.MetadataBlobRef)
	if err != nil {
		return nil, fmt.Errorf("ошибка расшифровки метаданных: %w", err)
	}

	var metadata storage.EntryMetadata
	if err := json.Unmarshal(metaJSON, &metadata); err != nil {
		return nil, fmt.Errorf("ошибка разбора метаданных: %w", err)
	}

	entry.PreEmotionalState = metadata.PreEmotionalState
	entry.PostEmotionalState = metadata.PostEmotionalState

	return &DecryptedEntry{Entry: entry, Metadata: &metadata}, nil
}

// GetAudio расшифровывает аудио записи.
func (a *App) GetAudio(ctx context.Context, id string) ([]byte, error) {
	entry, err := a.entries.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.artifacts.Get(ctx, crypto.PurposeAudio, entry.AudioBlobRef)
}

// ListEntries возвращает записи без расшифровки метаданных.
func (a *App) ListEntries(ctx context.Context, limit, offset int) ([]*storage.JournalEntry, error) {
	return a.entries.List(ctx, limit, offset)
}

// DeleteEntry удаляет запись: блобы и их ключи данных уничтожаются сразу
// (криптографическое стирание), удаление на сервере встает в очередь.
// Если запись еще не выгружалась, Delete отменяет ожидающий Create и
// сервер о записи не узнает.
func (a *App) DeleteEntry(ctx context.Context, id string) error {
	a.storage.Locks().Lock(id)
	defer a.storage.Locks().Unlock(id)

	entry, err := a.entries.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := a.queue.Enqueue(ctx, id, syncqueue.OpDelete, ""); err != nil && !errors.Is(err, syncqueue.ErrEntityDeleted) {
		return err
	}

	if err := a.artifacts.Delete(ctx, crypto.PurposeAudio, entry.AudioBlobRef); err != nil {
		return err
	}
	if err := a.artifacts.Delete(ctx, crypto.PurposeMeta, entry.MetadataBlobRef); err != nil {
		return err
	}
	if err := a.entries.Delete(ctx, id); err != nil {
		return err
	}

	a.log.Info("Запись удалена", "id", id)
	return nil
}

// Sync выполняет один проход дренажа очереди.
func (a *App) Sync(ctx context.Context) error {
	if _, err := a.queue.ResetInFlight(ctx); err != nil {
		return err
	}
	return a.sync.DrainOnce(ctx)
}

// RunSync запускает фоновый цикл синхронизации до отмены контекста.
func (a *App) RunSync(ctx context.Context) error {
	return a.sync.Run(ctx)
}

// RetrySync возвращает отказавшие операции записи в очередь.
func (a *App) RetrySync(ctx context.Context, id string) error {
	if err := a.queue.RetryFailed(ctx, id); err != nil {
		return err
	}
	return a.entries.SetSyncStatus(ctx, id, storage.StatusUploading)
}

// RotateMasterKey выполняет ротацию мастер-ключа. Записи остаются
// доступными: их ключи данных перезаворачиваются под новым мастер-ключом.
func (a *App) RotateMasterKey(ctx context.Context) error {
	return a.hierarchy.RotateMasterKey(ctx)
}

// Notifications — события движка синхронизации.
func (a *App) Notifications() <-chan syncengine.Notification {
	return a.sync.Notifications()
}

// Status собирает сводку для отображения.
func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	total, err := a.entries.Count(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, err := a.entries.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		DeviceID:       a.deviceID,
		HardwareBacked: a.hierarchy.IsHardwareBacked(),
		EntriesTotal:   total,
		ByStatus:       byStatus,
		QueueDepth:     depth,
	}, nil
}

// CheckConnection проверяет соединение с сервером
func (a *App) CheckConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return a.remote.HealthCheck(ctx)
}

// SetConnectivity обновляет состояние сети (для CLI-флагов и тестов).
func (a *App) SetConnectivity(online, metered bool) {
	a.conn.Set(online, metered)
}

// IsAuthenticated проверяет, аутентифицирован ли пользователь
func (a *App) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// Login выполняет вход пользователя
func (a *App) Login(ctx context.Context, login, password string) error {
	token, err := a.remote.Login(ctx, login, password)
	if err != nil {
		return err
	}

	if err := a.SaveToken(token); err != nil {
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}

	a.mu.Lock()
	a.authenticated = true
	a.mu.Unlock()

	a.log.Info("Вход выполнен успешно", "login", login)
	return nil
}

// Register регистрирует нового пользователя
func (a *App) Register(ctx context.Context, login, password string) error {
	if err := a.remote.Register(ctx, login, password); err != nil {
		return err
	}

	a.log.Info("Пользователь успешно зарегистрирован", "login", login)
	return nil
}

// GetToken возвращает сохраненный токен
func (a *App) GetToken() (string, error) {
	tokenBytes, err := os.ReadFile(a.config.TokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("токен не найден. Выполните вход: echokeeper auth login")
		}
		return "", fmt.Errorf("ошибка чтения токена: %w", err)
	}
	return string(tokenBytes), nil
}

// SaveToken сохраняет токен аутентификации
func (a *App) SaveToken(token string) error {
	if err := os.WriteFile(a.config.TokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}

	a.remote.SetToken(token)
	return nil
}

// Close освобождает ресурсы клиента.
func (a *App) Close() error {
	if c, ok := a.keystore.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.log.Warn("Ошибка закрытия хранилища ключей", "error", err)
		}
	}
	return a.storage.Close()
}

func validateEmotionalState(pre, post int) error {
	for _, v := range []int{pre, post} {
		if v < 1 || v > 5 {
			return fmt.Errorf("эмоциональная отметка должна быть в диапазоне 1–5, получено %d", v)
		}
	}
	return nil
}
