package syncqueue

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"echokeeper/internal/app/client/storage"

	"golang.org/x/exp/slog"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("не удалось открыть хранилище: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))
	return New(s.DB(), log)
}

func TestQueue_EnqueueAndDrain(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpCreate, "ref-1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	if err := q.Enqueue(ctx, "entry-2", OpCreate, "ref-2"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}

	items, err := q.NextPending(ctx, 10)
	if err != nil {
		t.Fatalf("ошибка чтения очереди: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ожидалось 2 операции, получено %d", len(items))
	}
	if items[0].EntityID != "entry-1" || items[1].EntityID != "entry-2" {
		t.Errorf("порядок выгрузки должен совпадать с порядком постановки")
	}
	if items[0].Seq >= items[1].Seq {
		t.Errorf("seq должен монотонно расти: %d, %d", items[0].Seq, items[1].Seq)
	}

	if err := q.MarkInFlight(ctx, items[0].Seq); err != nil {
		t.Fatalf("ошибка перевода в обмен: %v", err)
	}
	if err := q.MarkAcked(ctx, items[0].Seq); err != nil {
		t.Fatalf("ошибка подтверждения: %v", err)
	}

	items, _ = q.NextPending(ctx, 10)
	if len(items) != 1 || items[0].EntityID != "entry-2" {
		t.Errorf("подтвержденная операция должна покинуть очередь")
	}
}

func TestQueue_CoalesceUpdateAfterCreate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpCreate, "ref-v1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v2"); err != nil {
		t.Fatalf("ошибка постановки Update: %v", err)
	}

	item, err := q.ActiveFor(ctx, "entry-1")
	if err != nil {
		t.Fatalf("ошибка чтения активной операции: %v", err)
	}
	if item.Kind != OpCreate {
		t.Errorf("Update поверх Create должен остаться Create, получен %s", item.Kind)
	}
	if item.PayloadRef != "ref-v2" {
		t.Errorf("полезная нагрузка должна обновиться, получена %q", item.PayloadRef)
	}

	items, _ := q.NextPending(ctx, 10)
	if len(items) != 1 {
		t.Errorf("на сущность должна остаться одна операция, получено %d", len(items))
	}
}

func TestQueue_CoalesceUpdateAfterUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v2"); err != nil {
		t.Fatalf("ошибка повторного Update: %v", err)
	}

	item, _ := q.ActiveFor(ctx, "entry-1")
	if item.Kind != OpUpdate || item.PayloadRef != "ref-v2" {
		t.Errorf("повторный Update должен заменить нагрузку: %+v", item)
	}
}

func TestQueue_DeleteCancelsUnsyncedCreate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpCreate, "ref-v1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	if err := q.Enqueue(ctx, "entry-1", OpDelete, ""); err != nil {
		t.Fatalf("ошибка постановки Delete: %v", err)
	}

	// Сервер не должен увидеть ни Create, ни Delete
	if _, err := q.ActiveFor(ctx, "entry-1"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("обе операции должны быть отменены, получено: %v", err)
	}
}

func TestQueue_DeleteSupersedesUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	if err := q.Enqueue(ctx, "entry-1", OpDelete, ""); err != nil {
		t.Fatalf("ошибка постановки Delete: %v", err)
	}

	item, _ := q.ActiveFor(ctx, "entry-1")
	if item.Kind != OpDelete {
		t.Errorf("Delete должен вытеснить Update, получен %s", item.Kind)
	}

	// Дальнейшие мутации удаленной сущности отклоняются
	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v2"); !errors.Is(err, ErrEntityDeleted) {
		t.Errorf("ожидалась ErrEntityDeleted, получено: %v", err)
	}
}

func TestQueue_EnqueueRejectsInFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	item, _ := q.ActiveFor(ctx, "entry-1")
	if err := q.MarkInFlight(ctx, item.Seq); err != nil {
		t.Fatalf("ошибка перевода в обмен: %v", err)
	}

	if err := q.Enqueue(ctx, "entry-1", OpUpdate, "ref-v2"); !errors.Is(err, ErrEntityInFlight) {
		t.Errorf("ожидалась ErrEntityInFlight, получено: %v", err)
	}
}

func TestQueue_RequeueAndAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpCreate, "ref"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	item, _ := q.ActiveFor(ctx, "entry-1")

	for i := 1; i <= 3; i++ {
		if err := q.MarkInFlight(ctx, item.Seq); err != nil {
			t.Fatalf("ошибка перевода в обмен: %v", err)
		}
		if err := q.Requeue(ctx, item.Seq); err != nil {
			t.Fatalf("ошибка возврата: %v", err)
		}
		got, _ := q.ActiveFor(ctx, "entry-1")
		if got.AttemptCount != i {
			t.Errorf("ожидалось %d попыток, получено %d", i, got.AttemptCount)
		}
	}
}

func TestQueue_MarkFailedAndRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpCreate, "ref"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	item, _ := q.ActiveFor(ctx, "entry-1")

	if err := q.MarkInFlight(ctx, item.Seq); err != nil {
		t.Fatalf("ошибка перевода в обмен: %v", err)
	}
	if err := q.MarkFailed(ctx, item.Seq, "server unreachable"); err != nil {
		t.Fatalf("ошибка пометки отказа: %v", err)
	}

	// Отказавшая операция не выгружается, но и не удаляется
	items, _ := q.NextPending(ctx, 10)
	if len(items) != 0 {
		t.Errorf("отказавшая операция не должна выгружаться")
	}
	depth, _ := q.Depth(ctx)
	if depth[StatusFailed] != 1 {
		t.Errorf("операция должна остаться в состоянии failed: %v", depth)
	}

	// Ручной ретрай возвращает ее в ожидание со сброшенным счетчиком
	if err := q.RetryFailed(ctx, "entry-1"); err != nil {
		t.Fatalf("ошибка повторной постановки: %v", err)
	}
	got, err := q.ActiveFor(ctx, "entry-1")
	if err != nil {
		t.Fatalf("ошибка чтения после ретрая: %v", err)
	}
	if got.Status != StatusPending || got.AttemptCount != 0 || got.FailReason != "" {
		t.Errorf("ретрай должен сбросить состояние: %+v", got)
	}
}

func TestQueue_ResetInFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "entry-1", OpCreate, "ref-1"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}
	if err := q.Enqueue(ctx, "entry-2", OpUpdate, "ref-2"); err != nil {
		t.Fatalf("ошибка постановки: %v", err)
	}

	items, _ := q.NextPending(ctx, 10)
	for _, it := range items {
		if err := q.MarkInFlight(ctx, it.Seq); err != nil {
			t.Fatalf("ошибка перевода в обмен: %v", err)
		}
	}

	// Имитация рестарта посреди обмена
	n, err := q.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("ошибка восстановления: %v", err)
	}
	if n != 2 {
		t.Errorf("ожидалось 2 восстановленные операции, получено %d", n)
	}

	items, _ = q.NextPending(ctx, 10)
	if len(items) != 2 {
		t.Errorf("после восстановления обе операции должны ожидать выгрузки")
	}
}
