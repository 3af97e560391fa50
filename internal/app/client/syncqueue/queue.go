package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
)

// OpKind — вид мутации в очереди синхронизации.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// ItemStatus — состояние элемента очереди.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusInFlight ItemStatus = "inflight"
	StatusFailed   ItemStatus = "failed"
)

var (
	// ErrEmpty — в очереди нет ожидающих операций.
	ErrEmpty = errors.New("syncqueue: no pending operations")

	// ErrItemNotFound — элемент с таким seq отсутствует.
	ErrItemNotFound = errors.New("syncqueue: item not found")

	// ErrEntityInFlight — по сущности уже идет обмен; новая мутация
	// невозможна, пока он не завершится.
	ErrEntityInFlight = errors.New("syncqueue: entity operation in flight")

	// ErrEntityDeleted — по сущности уже стоит удаление, дальнейшие
	// мутации не имеют смысла.
	ErrEntityDeleted = errors.New("syncqueue: delete already enqueued for entity")
)

// Item — элемент очереди. Seq монотонно растет и задает порядок выгрузки.
type Item struct {
	Seq          int64
	EntityID     string
	Kind         OpKind
	PayloadRef   string
	EnqueuedAt   time.Time
	AttemptCount int
	Status       ItemStatus
	FailReason   string
}

// Queue — долговечная очередь мутаций поверх той же базы SQLite, что и
// остальное клиентское состояние. На сущность допускается не более одной
// активной операции: повторные мутации схлопываются в нее. Сериализацию
// по сущности обеспечивает вызывающий код через storage.EntityLocks —
// очередь сама блокировок не берет.
type Queue struct {
	db  *sql.DB
	log *slog.Logger
}

func New(db *sql.DB, log *slog.Logger) *Queue {
	return &Queue{db: db, log: log.With("component", "sync_queue")}
}

// Enqueue ставит мутацию в очередь, схлопывая ее с уже ожидающей операцией
// той же сущности:
//   - Update поверх Create остается Create со свежей полезной нагрузкой;
//   - Update поверх Update заменяет полезную нагрузку;
//   - Delete поверх невыгруженного Create отменяет обе операции;
//   - Delete поверх Update вытесняет Update.
func (q *Queue) Enqueue(ctx context.Context, entityID string, kind OpKind, payloadRef string) error {
	active, err := q.ActiveFor(ctx, entityID)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return err
	}

	now := time.Now().UTC()

	if active == nil {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO sync_queue (entity_id, op_kind, payload_ref, enqueued_at, status)
			VALUES (?, ?, ?, ?, ?)
		`, entityID, string(kind), payloadRef, now, string(StatusPending))
		if err != nil {
			return fmt.Errorf("ошибка постановки в очередь: %w", err)
		}
		q.log.Debug("Операция поставлена в очередь", "entity_id", entityID, "kind", kind)
		return nil
	}

	if active.Status == StatusInFlight {
		return ErrEntityInFlight
	}

	switch active.Kind {
	case OpCreate:
		if kind == OpDelete {
			// Сервер об этой сущности еще не знает — отменяем обе операции
			if err := q.remove(ctx, active.Seq); err != nil {
				return err
			}
			q.log.Debug("Create отменен удалением до выгрузки", "entity_id", entityID)
			return nil
		}
		// Update (или повторный Create) схлопывается в Create с новой нагрузкой
		return q.replace(ctx, active.Seq, OpCreate, payloadRef, now)

	case OpUpdate:
		if kind == OpDelete {
			// Delete вытесняет ожидающий Update
			return q.replace(ctx, active.Seq, OpDelete, "", now)
		}
		return q.replace(ctx, active.Seq, OpUpdate, payloadRef, now)

	case OpDelete:
		return ErrEntityDeleted
	}

	return fmt.Errorf("syncqueue: неизвестный вид операции %q", active.Kind)
}

func (q *Queue) replace(ctx context.Context, seq int64, kind OpKind, payloadRef string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET op_kind = ?, payload_ref = ?, enqueued_at = ?, attempt_count = 0
		WHERE seq = ? AND status = ?
	`, string(kind), payloadRef, at, seq, string(StatusPending))
	if err != nil {
		return fmt.Errorf("ошибка схлопывания операции: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, seq int64) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("ошибка удаления из очереди: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// ActiveFor возвращает активную (pending/inflight) операцию сущности.
func (q *Queue) ActiveFor(ctx context.Context, entityID string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT seq, entity_id, op_kind, payload_ref, enqueued_at, attempt_count, status, fail_reason
		FROM sync_queue
		WHERE entity_id = ? AND status IN (?, ?)
	`, entityID, string(StatusPending), string(StatusInFlight))
	return scanItem(row)
}

// NextPending возвращает ожидающие операции в порядке постановки.
func (q *Queue) NextPending(ctx context.Context, limit int) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, entity_id, op_kind, payload_ref, enqueued_at, attempt_count, status, fail_reason
		FROM sync_queue
		WHERE status = ?
		ORDER BY seq
		LIMIT ?
	`, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var kind, status string
		if err := rows.Scan(&it.Seq, &it.EntityID, &kind, &it.PayloadRef,
			&it.EnqueuedAt, &it.AttemptCount, &status, &it.FailReason); err != nil {
			return nil, fmt.Errorf("ошибка сканирования элемента очереди: %w", err)
		}
		it.Kind = OpKind(kind)
		it.Status = ItemStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkInFlight переводит операцию в обмен и инкрементирует счетчик попыток.
func (q *Queue) MarkInFlight(ctx context.Context, seq int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempt_count = attempt_count + 1
		WHERE seq = ? AND status = ?
	`, string(StatusInFlight), seq, string(StatusPending))
	if err != nil {
		return fmt.Errorf("ошибка перевода в обмен: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MarkAcked удаляет подтвержденную сервером операцию из очереди.
func (q *Queue) MarkAcked(ctx context.Context, seq int64) error {
	return q.remove(ctx, seq)
}

// Requeue возвращает операцию из обмена в ожидание (неуспешная попытка,
// будет ретрай).
func (q *Queue) Requeue(ctx context.Context, seq int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ? WHERE seq = ? AND status = ?
	`, string(StatusPending), seq, string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("ошибка возврата в очередь: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Отказавшие операции храним для диагностики, но не бесконечно.
const maxFailedRetained = 100

// MarkFailed помечает операцию как исчерпавшую попытки. Элемент остается
// в очереди для ручного вмешательства, данные не удаляются; самые старые
// отказы сверх лимита вытесняются.
func (q *Queue) MarkFailed(ctx context.Context, seq int64, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, fail_reason = ? WHERE seq = ?
	`, string(StatusFailed), reason, seq)
	if err != nil {
		return fmt.Errorf("ошибка пометки отказа: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}

	_, err = q.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = ? AND seq NOT IN (
			SELECT seq FROM sync_queue WHERE status = ? ORDER BY seq DESC LIMIT ?
		)
	`, string(StatusFailed), string(StatusFailed), maxFailedRetained)
	if err != nil {
		return fmt.Errorf("ошибка вытеснения старых отказов: %w", err)
	}
	return nil
}

// RetryFailed возвращает отказавшие операции сущности в ожидание со
// сброшенным счетчиком попыток.
func (q *Queue) RetryFailed(ctx context.Context, entityID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempt_count = 0, fail_reason = ''
		WHERE entity_id = ? AND status = ?
	`, string(StatusPending), entityID, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("ошибка повторной постановки: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// ResetInFlight возвращает зависшие после рестарта inflight-операции в
// ожидание. Вызывается один раз при старте, до запуска движка.
func (q *Queue) ResetInFlight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ? WHERE status = ?",
		string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления очереди: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info("Восстановлены незавершенные операции", "count", n)
	}
	return int(n), nil
}

// Depth возвращает количество элементов по состояниям.
func (q *Queue) Depth(ctx context.Context) (map[ItemStatus]int, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета очереди: %w", err)
	}
	defer rows.Close()

	depth := make(map[ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		depth[ItemStatus(status)] = n
	}
	return depth, rows.Err()
}

func scanItem(row *sql.Row) (*Item, error) {
	var it Item
	var kind, status string
	err := row.Scan(&it.Seq, &it.EntityID, &kind, &it.PayloadRef,
		&it.EnqueuedAt, &it.AttemptCount, &status, &it.FailReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения элемента очереди: %w", err)
	}
	it.Kind = OpKind(kind)
	it.Status = ItemStatus(status)
	return &it, nil
}
