package syncengine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"echokeeper/internal/app/client/storage"
	"echokeeper/internal/app/client/syncqueue"
	"echokeeper/internal/domain/journal"

	"golang.org/x/exp/slog"
)

// Remote — серверная сторона синхронизации. Реализуется HTTP-клиентом;
// в тестах подменяется фейком.
type Remote interface {
	CreateEntry(ctx context.Context, req journal.CreateRequest) (*journal.CreateResponse, error)
	UpdateEntry(ctx context.Context, id string, req journal.UpdateRequest) (*journal.UpdateResponse, error)
	DeleteEntry(ctx context.Context, id string) error
	UploadAudio(ctx context.Context, id string, blob []byte) error
}

// ConflictError несет 409-ответ сервера; разворачивается в
// journal.ErrVersionConflict.
type ConflictError struct {
	Server journal.ConflictResponse
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("конфликт версий: сервер на версии %d", e.Server.RemoteVersion)
}

func (e *ConflictError) Unwrap() error { return journal.ErrVersionConflict }

// Notification — событие движка для подписчиков (UI, CLI).
type Notification struct {
	EntityID string
	Status   storage.SyncStatus
	Err      error
}

const (
	defaultWorkers   = 4
	defaultBatchSize = 32
	drainInterval    = 30 * time.Second
)

// Engine дренирует очередь синхронизации: берет ожидающие операции,
// выполняет обмен с сервером пулом воркеров и разрешает конфликты по
// правилу «последняя запись побеждает». На время обмена сущность
// удерживается под блокировкой, поэтому локальные мутации никогда не
// пересекаются с выгрузкой.
type Engine struct {
	queue     *syncqueue.Queue
	entries   *storage.EntryStore
	artifacts *storage.ArtifactStore
	locks     *storage.EntityLocks
	remote    Remote
	scheduler *RetryScheduler
	conn      ConnectivityMonitor
	log       *slog.Logger

	deviceID string
	workers  int

	notifyCh chan Notification
	wg       sync.WaitGroup
}

type Options struct {
	DeviceID string
	Workers  int
}

func New(
	queue *syncqueue.Queue,
	entries *storage.EntryStore,
	artifacts *storage.ArtifactStore,
	locks *storage.EntityLocks,
	remote Remote,
	scheduler *RetryScheduler,
	conn ConnectivityMonitor,
	log *slog.Logger,
	opts Options,
) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Engine{
		queue:     queue,
		entries:   entries,
		artifacts: artifacts,
		locks:     locks,
		remote:    remote,
		scheduler: scheduler,
		conn:      conn,
		log:       log.With("component", "sync_engine"),
		deviceID:  opts.DeviceID,
		workers:   workers,
		notifyCh:  make(chan Notification, 64),
	}
}

// Notifications — события смены статуса; канал буферизован, при
// переполнении события отбрасываются.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifyCh
}

// Run восстанавливает зависшие операции и дренирует очередь до отмены
// контекста: по таймеру и по каждому изменению состояния сети.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.queue.ResetInFlight(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		if e.conn.Online() {
			if err := e.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("Дренаж очереди прерван", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-e.conn.Changes():
			e.log.Debug("Сеть изменилась", "online", e.conn.Online(), "metered", e.conn.Metered())
		}
	}
}

// DrainOnce выполняет один проход по очереди: все готовые к попытке
// операции раздаются пулу воркеров.
func (e *Engine) DrainOnce(ctx context.Context) error {
	items, err := e.queue.NextPending(ctx, defaultBatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	sem := make(chan struct{}, e.workers)
	for _, item := range items {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		e.wg.Add(1)
		go func(it syncqueue.Item) {
			defer e.wg.Done()
			defer func() { <-sem }()
			e.process(ctx, it)
		}(item)
	}

	e.wg.Wait()
	return nil
}

// process выполняет одну операцию под блокировкой сущности.
func (e *Engine) process(ctx context.Context, stale syncqueue.Item) {
	e.locks.Lock(stale.EntityID)
	defer e.locks.Unlock(stale.EntityID)

	// Перечитываем под блокировкой: операция могла схлопнуться или уйти
	item, err := e.queue.ActiveFor(ctx, stale.EntityID)
	if err != nil || item.Status != syncqueue.StatusPending {
		return
	}

	state, err := e.entries.GetSyncState(ctx, item.EntityID)
	if err != nil {
		e.log.Error("Не удалось прочитать состояние синхронизации", "entity_id", item.EntityID, "error", err)
		return
	}

	now := time.Now().UTC()
	if !e.scheduler.ShouldAttempt(item.AttemptCount, state.LastAttemptAt, now) {
		return
	}
	if e.deferOnMetered(ctx, item) {
		e.log.Debug("Выгрузка отложена: лимитируемая сеть", "entity_id", item.EntityID)
		return
	}

	if err := e.queue.MarkInFlight(ctx, item.Seq); err != nil {
		return
	}

	state.LastAttemptAt = now
	if err := e.entries.SaveSyncState(ctx, state); err != nil {
		e.log.Warn("Не удалось зафиксировать попытку", "entity_id", item.EntityID, "error", err)
	}

	if err := e.execute(ctx, item); err != nil {
		e.handleFailure(ctx, item, err)
		return
	}

	if err := e.queue.MarkAcked(ctx, item.Seq); err != nil {
		e.log.Error("Не удалось подтвердить операцию", "seq", item.Seq, "error", err)
		return
	}

	// Запись уже удалена локально — строка состояния, воссозданная выше
	// для выдержки между попытками, больше не нужна
	if item.Kind == syncqueue.OpDelete {
		if err := e.entries.DeleteSyncState(ctx, item.EntityID); err != nil {
			e.log.Warn("Не удалось убрать состояние синхронизации", "entity_id", item.EntityID, "error", err)
		}
	}
}

func (e *Engine) execute(ctx context.Context, item *syncqueue.Item) error {
	switch item.Kind {
	case syncqueue.OpCreate:
		return e.pushCreate(ctx, item)
	case syncqueue.OpUpdate:
		return e.pushUpdate(ctx, item)
	case syncqueue.OpDelete:
		return e.pushDelete(ctx, item)
	}
	return fmt.Errorf("неизвестный вид операции %q", item.Kind)
}

func (e *Engine) pushCreate(ctx context.Context, item *syncqueue.Item) error {
	entry, err := e.entries.Get(ctx, item.EntityID)
	if err != nil {
		return err
	}
	if err := e.entries.SetSyncStatus(ctx, item.EntityID, storage.StatusUploading); err != nil {
		return err
	}

	meta, checksum, err := e.payload(ctx, entry)
	if err != nil {
		return err
	}

	resp, err := e.remote.CreateEntry(ctx, journal.CreateRequest{
		ID:            entry.ID,
		EncryptedMeta: meta,
		AudioChecksum: checksum,
		DeviceID:      e.deviceID,
		EnqueuedAt:    item.EnqueuedAt,
	})
	if err != nil {
		return err
	}

	if err := e.uploadAudio(ctx, entry); err != nil {
		return err
	}

	return e.commitVersion(ctx, entry, resp.RemoteVersion)
}

func (e *Engine) pushUpdate(ctx context.Context, item *syncqueue.Item) error {
	entry, err := e.entries.Get(ctx, item.EntityID)
	if err != nil {
		return err
	}
	if err := e.entries.SetSyncStatus(ctx, item.EntityID, storage.StatusUploading); err != nil {
		return err
	}

	meta, checksum, err := e.payload(ctx, entry)
	if err != nil {
		return err
	}

	resp, err := e.remote.UpdateEntry(ctx, entry.ID, journal.UpdateRequest{
		EncryptedMeta: meta,
		AudioChecksum: checksum,
		BaseVersion:   entry.RemoteVersion,
		DeviceID:      e.deviceID,
		EnqueuedAt:    item.EnqueuedAt,
	})

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return e.resolveConflict(ctx, item, entry, conflict.Server)
	}
	if err != nil {
		return err
	}

	if err := e.uploadAudio(ctx, entry); err != nil {
		return err
	}

	return e.commitVersion(ctx, entry, resp.RemoteVersion)
}

func (e *Engine) pushDelete(ctx context.Context, item *syncqueue.Item) error {
	err := e.remote.DeleteEntry(ctx, item.EntityID)
	if err != nil && !errors.Is(err, journal.ErrNotFound) {
		return err
	}
	e.notify(Notification{EntityID: item.EntityID, Status: storage.StatusSynced})
	return nil
}

// resolveConflict разрешает расхождение по правилу «последняя запись
// побеждает»: сравниваются момент постановки локальной мутации и серверная
// метка фиксации. Удаление всегда побеждает обновление. Проигравшая
// версия отбрасывается целиком — слить зашифрованные блобы нельзя.
func (e *Engine) resolveConflict(ctx context.Context, item *syncqueue.Item, entry *storage.JournalEntry, server journal.ConflictResponse) error {
	if server.Deleted {
		// Сущность удалена с другого устройства — удаление побеждает
		e.log.Info("Конфликт: запись удалена на сервере", "entity_id", entry.ID)
		if err := e.discardLocal(ctx, entry); err != nil {
			return err
		}
		e.notify(Notification{EntityID: entry.ID, Status: storage.StatusConflict, Err: journal.ErrEntryDeleted})
		return nil
	}

	if item.EnqueuedAt.After(server.CommittedAt) {
		// Локальная мутация моложе — перебазируемся и пробуем снова
		e.log.Info("Конфликт: локальная версия новее, перебазирование",
			"entity_id", entry.ID, "server_version", server.RemoteVersion)
		entry.RemoteVersion = server.RemoteVersion
		if err := e.entries.Save(ctx, entry); err != nil {
			return err
		}
		return e.pushUpdate(ctx, item)
	}

	// Серверная версия моложе (или метки равны — сервер как общая точка
	// отсчета побеждает): локальная мутация отбрасывается, запись перенимает
	// победившие метаданные из 409-ответа и сходится с сервером.
	e.log.Info("Конфликт: серверная версия новее, локальная отброшена",
		"entity_id", entry.ID, "server_version", server.RemoteVersion)

	if server.EncryptedMeta == "" {
		// Сервер не прислал победивший блоб — сойтись не с чем, запись
		// остается помеченной конфликтной до ручного вмешательства
		e.log.Warn("409 без победивших метаданных", "entity_id", entry.ID)
		if err := e.entries.SetRemoteVersion(ctx, entry.ID, server.RemoteVersion); err != nil {
			return err
		}
		if err := e.entries.SetSyncStatus(ctx, entry.ID, storage.StatusConflict); err != nil {
			return err
		}
		e.notify(Notification{EntityID: entry.ID, Status: storage.StatusConflict})
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(server.EncryptedMeta)
	if err != nil {
		return fmt.Errorf("разбор победивших метаданных: %w", err)
	}
	if err := e.artifacts.WriteRaw(ctx, "meta", entry.MetadataBlobRef, raw); err != nil {
		return fmt.Errorf("перенятие победивших метаданных: %w", err)
	}
	if err := e.entries.SetRemoteVersion(ctx, entry.ID, server.RemoteVersion); err != nil {
		return err
	}
	if err := e.entries.SaveSyncState(ctx, &storage.SyncState{
		EntityID:      entry.ID,
		LocalVersion:  entry.LocalVersion,
		RemoteVersion: server.RemoteVersion,
		LastAttemptAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	// Конфликт был, но разрешен: уведомляем о факте, запись уже synced
	e.notify(Notification{EntityID: entry.ID, Status: storage.StatusConflict})
	e.notify(Notification{EntityID: entry.ID, Status: storage.StatusSynced})
	return nil
}

// discardLocal убирает локальную копию проигравшей записи вместе с ее
// блобами и ключами данных.
func (e *Engine) discardLocal(ctx context.Context, entry *storage.JournalEntry) error {
	if entry.AudioBlobRef != "" {
		if err := e.artifacts.Delete(ctx, "audio", entry.AudioBlobRef); err != nil {
			return err
		}
	}
	if entry.MetadataBlobRef != "" {
		if err := e.artifacts.Delete(ctx, "meta", entry.MetadataBlobRef); err != nil {
			return err
		}
	}
	return e.entries.Delete(ctx, entry.ID)
}

// payload собирает зашифрованные метаданные (base64) и контрольную сумму
// аудио для запроса. Блобы уходят как есть — сервер их не расшифровывает.
func (e *Engine) payload(ctx context.Context, entry *storage.JournalEntry) (meta string, audioChecksum string, err error) {
	raw, err := e.artifacts.ReadRaw(ctx, entry.MetadataBlobRef)
	if err != nil {
		return "", "", fmt.Errorf("чтение блоба метаданных: %w", err)
	}
	meta = base64.StdEncoding.EncodeToString(raw)

	if entry.AudioBlobRef != "" {
		info, err := e.artifacts.Stat(ctx, entry.AudioBlobRef)
		if err != nil {
			return "", "", fmt.Errorf("чтение индекса аудио: %w", err)
		}
		audioChecksum = info.Checksum
	}
	return meta, audioChecksum, nil
}

func (e *Engine) uploadAudio(ctx context.Context, entry *storage.JournalEntry) error {
	if entry.AudioBlobRef == "" {
		return nil
	}
	raw, err := e.artifacts.ReadRaw(ctx, entry.AudioBlobRef)
	if err != nil {
		return fmt.Errorf("чтение блоба аудио: %w", err)
	}
	return e.remote.UploadAudio(ctx, entry.ID, raw)
}

func (e *Engine) commitVersion(ctx context.Context, entry *storage.JournalEntry, version int64) error {
	if version < entry.RemoteVersion {
		// Версия не может откатываться: сервер, отставший от уже
		// известной записи версии, фиксации не понижает
		e.log.Warn("Сервер вернул версию ниже известной",
			"entity_id", entry.ID, "server_version", version, "known_version", entry.RemoteVersion)
		version = entry.RemoteVersion
	}
	if err := e.entries.SetRemoteVersion(ctx, entry.ID, version); err != nil {
		return err
	}
	if err := e.entries.SaveSyncState(ctx, &storage.SyncState{
		EntityID:      entry.ID,
		LocalVersion:  entry.LocalVersion,
		RemoteVersion: version,
		LastAttemptAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.notify(Notification{EntityID: entry.ID, Status: storage.StatusSynced})
	return nil
}

// handleFailure возвращает операцию в ожидание либо, если попытки
// исчерпаны, помечает ее отказавшей. Данные при отказе не удаляются.
func (e *Engine) handleFailure(ctx context.Context, item *syncqueue.Item, cause error) {
	attempts := item.AttemptCount + 1 // MarkInFlight уже инкрементировал

	if e.scheduler.Exhausted(attempts) {
		e.log.Error("Операция исчерпала попытки",
			"entity_id", item.EntityID, "attempts", attempts, "error", cause)
		if err := e.queue.MarkFailed(ctx, item.Seq, cause.Error()); err != nil {
			e.log.Error("Не удалось пометить отказ", "seq", item.Seq, "error", err)
		}
		if err := e.entries.SetSyncStatus(ctx, item.EntityID, storage.StatusFailed); err != nil && !errors.Is(err, storage.ErrEntryNotFound) {
			e.log.Error("Не удалось обновить статус записи", "entity_id", item.EntityID, "error", err)
		}
		e.notify(Notification{EntityID: item.EntityID, Status: storage.StatusFailed, Err: cause})
		return
	}

	e.log.Warn("Попытка не удалась, будет ретрай",
		"entity_id", item.EntityID,
		"attempt", attempts,
		"next_in", e.scheduler.Backoff(attempts),
		"error", cause,
	)
	if err := e.queue.Requeue(ctx, item.Seq); err != nil {
		e.log.Error("Не удалось вернуть операцию в очередь", "seq", item.Seq, "error", err)
	}
}

func (e *Engine) deferOnMetered(ctx context.Context, item *syncqueue.Item) bool {
	if !e.conn.Metered() || item.Kind == syncqueue.OpDelete {
		return false
	}
	entry, err := e.entries.Get(ctx, item.EntityID)
	if err != nil || entry.AudioBlobRef == "" {
		return false
	}
	info, err := e.artifacts.Stat(ctx, entry.AudioBlobRef)
	if err != nil {
		return false
	}
	return e.scheduler.DeferOnMetered(info.Size, true)
}

func (e *Engine) notify(n Notification) {
	select {
	case e.notifyCh <- n:
	default:
	}
}
