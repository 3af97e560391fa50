package keystore

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"echokeeper/internal/app/client/crypto"
)

// keyringStore — хранилище поверх системного keychain/keyring платформы.
// Материал ключей живет за пределами процесса и выдается только по запросу;
// файловый бэкенд keyring сюда сознательно не допускается — для него
// существует программный fallback с явным предупреждением пользователю.
type keyringStore struct {
	ring keyring.Keyring
}

func openKeyringStore(serviceName string) (*keyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.WinCredBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("системное хранилище недоступно: %w", err)
	}

	return &keyringStore{ring: ring}, nil
}

func (k *keyringStore) Store(alias string, key []byte) error {
	err := k.ring.Set(keyring.Item{
		Key:   alias,
		Data:  key,
		Label: "echokeeper " + alias,
	})
	if err != nil {
		return fmt.Errorf("ошибка записи в системное хранилище: %w", err)
	}
	return nil
}

func (k *keyringStore) Retrieve(alias string) ([]byte, error) {
	item, err := k.ring.Get(alias)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, crypto.ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrievalFailed, err)
	}
	return item.Data, nil
}

func (k *keyringStore) Delete(alias string) error {
	if err := k.ring.Remove(alias); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("ошибка удаления из системного хранилища: %w", err)
	}
	return nil
}

func (k *keyringStore) IsHardwareBacked() bool { return true }
