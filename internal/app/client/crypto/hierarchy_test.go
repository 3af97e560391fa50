package crypto

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"golang.org/x/exp/slog"
)

// fakeKeyStore — хранилище ключей в памяти для тестов иерархии.
type fakeKeyStore struct {
	keys     map[string][]byte
	hardware bool
	failOn   string // алиас, на котором Store возвращает ошибку
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string][]byte)}
}

func (f *fakeKeyStore) Store(alias string, key []byte) error {
	if f.failOn != "" && alias == f.failOn {
		return errors.New("keystore недоступен")
	}
	f.keys[alias] = append([]byte(nil), key...)
	return nil
}

func (f *fakeKeyStore) Retrieve(alias string) ([]byte, error) {
	key, ok := f.keys[alias]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), key...), nil
}

func (f *fakeKeyStore) Delete(alias string) error {
	delete(f.keys, alias)
	return nil
}

func (f *fakeKeyStore) IsHardwareBacked() bool { return f.hardware }

// fakeKeyRepo — репозиторий завернутых ключей в памяти.
type fakeKeyRepo struct {
	wrapped  map[string][]byte
	alias    string
	failSwap bool
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{wrapped: make(map[string][]byte)}
}

func repoKey(purpose, id string) string { return purpose + "/" + id }

func (f *fakeKeyRepo) SaveWrappedKey(_ context.Context, purpose, id string, blob []byte) error {
	f.wrapped[repoKey(purpose, id)] = append([]byte(nil), blob...)
	return nil
}

func (f *fakeKeyRepo) GetWrappedKey(_ context.Context, purpose, id string) ([]byte, error) {
	blob, ok := f.wrapped[repoKey(purpose, id)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return blob, nil
}

func (f *fakeKeyRepo) DeleteWrappedKey(_ context.Context, purpose, id string) error {
	if _, ok := f.wrapped[repoKey(purpose, id)]; !ok {
		return ErrKeyNotFound
	}
	delete(f.wrapped, repoKey(purpose, id))
	return nil
}

func (f *fakeKeyRepo) ListWrappedKeys(_ context.Context) ([]WrappedKey, error) {
	var keys []WrappedKey
	for k, blob := range f.wrapped {
		var purpose, id string
		for i := 0; i < len(k); i++ {
			if k[i] == '/' {
				purpose, id = k[:i], k[i+1:]
				break
			}
		}
		keys = append(keys, WrappedKey{Purpose: purpose, ID: id, Blob: blob})
	}
	return keys, nil
}

func (f *fakeKeyRepo) ActiveMasterAlias(_ context.Context) (string, error) { return f.alias, nil }

func (f *fakeKeyRepo) SetActiveMasterAlias(_ context.Context, alias string) error {
	f.alias = alias
	return nil
}

func (f *fakeKeyRepo) SwapWrappedKeys(_ context.Context, keys []WrappedKey, newMasterAlias string) error {
	if f.failSwap {
		return errors.New("транзакция не прошла")
	}
	next := make(map[string][]byte, len(keys))
	for _, wk := range keys {
		next[repoKey(wk.Purpose, wk.ID)] = wk.Blob
	}
	f.wrapped = next
	f.alias = newMasterAlias
	return nil
}

func newTestHierarchy(ks KeyStore, repo WrappedKeyRepository) *Hierarchy {
	return NewHierarchy(ks, repo, NewEngine(), slog.New(slog.NewTextHandler(new(bytes.Buffer), nil)))
}

func TestGetOrCreateMasterKeyIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newTestHierarchy(newFakeKeyStore(), newFakeKeyRepo())

	first, err := h.GetOrCreateMasterKey(ctx)
	if err != nil {
		t.Fatalf("Ошибка создания мастер-ключа: %v", err)
	}
	second, err := h.GetOrCreateMasterKey(ctx)
	if err != nil {
		t.Fatalf("Ошибка повторного получения: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("Повторный вызов должен возвращать тот же мастер-ключ")
	}
	if len(first) != 32 {
		t.Errorf("Мастер-ключ должен быть 256-битным, получено %d байт", len(first)*8)
	}
}

func TestDataKeyPerIdentifier(t *testing.T) {
	ctx := context.Background()
	h := newTestHierarchy(newFakeKeyStore(), newFakeKeyRepo())

	k1, err := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	if err != nil {
		t.Fatalf("Ошибка создания ключа данных: %v", err)
	}
	k1again, err := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	if err != nil {
		t.Fatalf("Ошибка повторного получения ключа: %v", err)
	}
	k2, err := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-2")
	if err != nil {
		t.Fatalf("Ошибка создания второго ключа: %v", err)
	}
	kMeta, err := h.GetOrCreateDataKey(ctx, PurposeMeta, "entry-1")
	if err != nil {
		t.Fatalf("Ошибка создания ключа метаданных: %v", err)
	}

	if !bytes.Equal(k1, k1again) {
		t.Error("Ключ для одного (purpose, id) должен быть стабильным")
	}
	if bytes.Equal(k1, k2) {
		t.Error("Ключи разных записей не должны совпадать")
	}
	if bytes.Equal(k1, kMeta) {
		t.Error("Ключи разных областей не должны совпадать")
	}
}

func TestKeyIsolationBetweenMasterKeys(t *testing.T) {
	ctx := context.Background()

	ksA := newFakeKeyStore()
	repoA := newFakeKeyRepo()
	hA := newTestHierarchy(ksA, repoA)

	if _, err := hA.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1"); err != nil {
		t.Fatalf("Ошибка создания ключа: %v", err)
	}

	// Другая установка: другой мастер-ключ B, но тот же набор завернутых
	// ключей. Развернуть их ключом B должно быть невозможно.
	ksB := newFakeKeyStore()
	hB := newTestHierarchy(ksB, repoA)
	if _, err := hB.GetOrCreateMasterKey(ctx); err != nil {
		t.Fatalf("Ошибка создания мастер-ключа B: %v", err)
	}
	// Подменяем ключ под активным алиасом на чужой
	ksB.keys[repoA.alias], _ = GenerateKey()

	if _, err := hB.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1"); !errors.Is(err, ErrKeyRetrieval) {
		t.Fatalf("Ожидалась ErrKeyRetrieval при чужом мастер-ключе, получено %v", err)
	}
}

func TestDeleteDataKeyMakesCiphertextUnrecoverable(t *testing.T) {
	ctx := context.Background()
	h := newTestHierarchy(newFakeKeyStore(), newFakeKeyRepo())
	engine := NewEngine()

	key, _ := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	blob, _ := engine.Encrypt([]byte("запись"), key, nil)

	if err := h.DeleteDataKey(ctx, PurposeAudio, "entry-1"); err != nil {
		t.Fatalf("Ошибка удаления ключа: %v", err)
	}

	// Ленивое пересоздание даст НОВЫЙ ключ — старый шифротекст потерян
	newKey, _ := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	if bytes.Equal(key, newKey) {
		t.Fatal("После удаления должен генерироваться новый ключ")
	}
	if _, err := engine.Decrypt(blob, newKey, nil); !errors.Is(err, ErrTampered) {
		t.Error("Старый шифротекст не должен расшифровываться новым ключом")
	}

	// Повторное удаление несуществующего ключа не считается ошибкой
	if err := h.DeleteDataKey(ctx, PurposeAudio, "нет-такого"); err != nil {
		t.Errorf("Удаление отсутствующего ключа должно быть no-op: %v", err)
	}
}

func TestRotateMasterKey(t *testing.T) {
	ctx := context.Background()
	ks := newFakeKeyStore()
	repo := newFakeKeyRepo()
	h := newTestHierarchy(ks, repo)

	k1, _ := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	k2, _ := h.GetOrCreateDataKey(ctx, PurposeMeta, "entry-1")
	oldAlias := repo.alias

	if err := h.RotateMasterKey(ctx); err != nil {
		t.Fatalf("Ошибка ротации: %v", err)
	}

	if repo.alias == oldAlias {
		t.Error("После ротации активный алиас должен смениться")
	}
	if _, ok := ks.keys[oldAlias]; ok {
		t.Error("Старый мастер-ключ должен быть удален из хранилища")
	}

	// Ключи данных обязаны остаться теми же — меняется только обертка
	k1after, err := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	if err != nil {
		t.Fatalf("Ошибка получения ключа после ротации: %v", err)
	}
	k2after, _ := h.GetOrCreateDataKey(ctx, PurposeMeta, "entry-1")

	if !bytes.Equal(k1, k1after) || !bytes.Equal(k2, k2after) {
		t.Error("Ротация не должна менять сами ключи данных")
	}
}

func TestRotateMasterKeyAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ks := newFakeKeyStore()
	repo := newFakeKeyRepo()
	h := newTestHierarchy(ks, repo)

	k1, _ := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	oldAlias := repo.alias

	// Транзакция подмены падает — состояние должно остаться полностью старым
	repo.failSwap = true
	if err := h.RotateMasterKey(ctx); err == nil {
		t.Fatal("Ожидалась ошибка ротации")
	}

	if repo.alias != oldAlias {
		t.Error("При сбое ротации активный алиас должен остаться старым")
	}
	k1after, err := h.GetOrCreateDataKey(ctx, PurposeAudio, "entry-1")
	if err != nil {
		t.Fatalf("Старое состояние должно остаться рабочим: %v", err)
	}
	if !bytes.Equal(k1, k1after) {
		t.Error("Ключ данных должен разворачиваться старым мастер-ключом")
	}
}
