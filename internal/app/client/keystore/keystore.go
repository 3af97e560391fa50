// Package keystore абстрагирует защищенное хранилище ключей: аппаратное
// (системное хранилище платформы) и программный fallback на основе
// пользовательской парольной фразы.
package keystore

import (
	"errors"

	"golang.org/x/exp/slog"
)

var (
	// ErrKeyRetrievalFailed — хранилище доступно, но ключ получить не удалось.
	ErrKeyRetrievalFailed = errors.New("keystore: key retrieval failed")

	// ErrStoreLocked — программное хранилище не разблокировано парольной фразой.
	ErrStoreLocked = errors.New("keystore: store is locked")

	// ErrWrongSecret — парольная фраза не подошла к заголовку хранилища.
	ErrWrongSecret = errors.New("keystore: wrong secret")
)

// SecureKeyStore — контракт хранилища ключей. Реализация выбирается один раз
// на старте процесса и не меняется в течение сессии. Запись по одному алиасу
// сериализуется реализацией.
type SecureKeyStore interface {
	Store(alias string, key []byte) error
	Retrieve(alias string) ([]byte, error)
	Delete(alias string) error
	IsHardwareBacked() bool
}

// SecretPrompt запрашивает у пользователя секрет для программного fallback.
// Может блокироваться на вводе.
type SecretPrompt func(reason string) ([]byte, error)

// Options — параметры выбора хранилища.
type Options struct {
	ServiceName string
	// Dir — директория файлов программного хранилища.
	Dir string
	// Prompt используется только программным fallback.
	Prompt SecretPrompt
	// ForceSoftware отключает системное хранилище (для тестов и отладки).
	ForceSoftware bool
}

// Select выбирает реализацию: сначала системное хранилище платформы,
// при его недоступности — программный fallback с понижением гарантий,
// о котором пользователь должен быть предупрежден.
func Select(opts Options, log *slog.Logger) (SecureKeyStore, error) {
	if !opts.ForceSoftware {
		ks, err := openKeyringStore(opts.ServiceName)
		if err == nil {
			log.Debug("Используется системное хранилище ключей")
			return ks, nil
		}
		log.Warn("Системное хранилище ключей недоступно, переключение на программное",
			"error", err)
	}

	sw, err := OpenSoftwareStore(opts.Dir, opts.Prompt)
	if err != nil {
		return nil, err
	}
	log.Info("Используется программное хранилище ключей (пониженный уровень защиты)")
	return sw, nil
}
