package keystore

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"echokeeper/internal/app/client/crypto"
)

const (
	vaultFileName    = "keys.vault"
	vaultPermissions = 0600
	vaultVersion     = 1
)

// vaultHeader — метаданные программного хранилища: все, что нужно, чтобы
// восстановить KEK из парольной фразы и проверить ее без расшифровки данных.
type vaultHeader struct {
	Version      int       `json:"version"`
	KeyAlgorithm string    `json:"key_algorithm"`
	Salt         string    `json:"salt"` // hex
	Iterations   int       `json:"iterations"`
	KeyHash      string    `json:"key_hash"` // SHA256 хэш KEK для проверки фразы
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type vaultContainer struct {
	Header  vaultHeader       `json:"header"`
	Entries map[string]string `json:"entries"` // alias -> hex(EncryptedBlob)
}

// SoftwareStore — fallback-хранилище: ключи завернуты KEK, выведенным из
// парольной фразы пользователя (PBKDF2-SHA256). Единственный режим, в котором
// производный ключ держится в памяти процесса; затирается в Close.
type SoftwareStore struct {
	path   string
	prompt SecretPrompt
	engine *crypto.Engine

	mu        sync.Mutex
	kek       []byte
	container vaultContainer
}

// OpenSoftwareStore открывает (или готовит к созданию) файловое хранилище.
// Деривация KEK откладывается до первого обращения, чтобы не запрашивать
// фразу, когда ключи не нужны.
func OpenSoftwareStore(dir string, prompt SecretPrompt) (*SoftwareStore, error) {
	if prompt == nil {
		return nil, fmt.Errorf("программному хранилищу необходим запрос секрета")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории хранилища: %w", err)
	}

	s := &SoftwareStore{
		path:   filepath.Join(dir, vaultFileName),
		prompt: prompt,
		engine: crypto.NewEngine(),
	}
	s.container.Entries = make(map[string]string)

	if data, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(data, &s.container); err != nil {
			return nil, fmt.Errorf("файл хранилища поврежден: %w", err)
		}
		if s.container.Entries == nil {
			s.container.Entries = make(map[string]string)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ошибка чтения хранилища: %w", err)
	}

	return s, nil
}

// unlockLocked выводит KEK из парольной фразы. Для существующего хранилища
// фраза проверяется по хэшу KEK из заголовка; для нового — создается заголовок.
func (s *SoftwareStore) unlockLocked() error {
	if s.kek != nil {
		return nil
	}

	initialized := s.container.Header.Version != 0

	reason := "Создайте парольную фразу хранилища ключей"
	if initialized {
		reason = "Введите парольную фразу хранилища ключей"
	}

	secret, err := s.prompt(reason)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyRetrievalFailed, err)
	}
	defer crypto.Zero(secret)

	if !initialized {
		kek, salt, err := crypto.DeriveKeyFromSecret(secret, nil)
		if err != nil {
			return err
		}
		hash := crypto.KeyCheckHash(kek)
		now := time.Now()
		s.container.Header = vaultHeader{
			Version:      vaultVersion,
			KeyAlgorithm: crypto.AlgPBKDF2,
			Salt:         hex.EncodeToString(salt),
			Iterations:   100000,
			KeyHash:      hex.EncodeToString(hash[:]),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.kek = kek
		return s.saveLocked()
	}

	salt, err := hex.DecodeString(s.container.Header.Salt)
	if err != nil {
		return fmt.Errorf("ошибка декодирования соли: %w", err)
	}

	var kek []byte
	switch s.container.Header.KeyAlgorithm {
	case crypto.AlgPBKDF2:
		kek, _, err = crypto.DeriveKeyFromSecret(secret, salt)
		if err != nil {
			return err
		}
	case crypto.AlgArgon2id:
		kek = crypto.DeriveKeyArgon2(secret, salt)
	default:
		return fmt.Errorf("неподдерживаемый алгоритм: %s", s.container.Header.KeyAlgorithm)
	}

	hash := crypto.KeyCheckHash(kek)
	expected, err := hex.DecodeString(s.container.Header.KeyHash)
	if err != nil {
		return fmt.Errorf("ошибка декодирования хэша ключа: %w", err)
	}
	if !hmac.Equal(hash[:], expected) {
		crypto.Zero(kek)
		return ErrWrongSecret
	}

	s.kek = kek
	return nil
}

func (s *SoftwareStore) Store(alias string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.unlockLocked(); err != nil {
		return err
	}

	blob, err := s.engine.Encrypt(key, s.kek, []byte("echokeeper/vault/"+alias))
	if err != nil {
		return fmt.Errorf("ошибка заворачивания ключа: %w", err)
	}

	s.container.Entries[alias] = hex.EncodeToString(blob.Marshal())
	s.container.Header.UpdatedAt = time.Now()
	return s.saveLocked()
}

func (s *SoftwareStore) Retrieve(alias string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.unlockLocked(); err != nil {
		return nil, err
	}

	encoded, ok := s.container.Entries[alias]
	if !ok {
		return nil, crypto.ErrKeyNotFound
	}

	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: запись повреждена: %v", ErrKeyRetrievalFailed, err)
	}
	blob, err := crypto.UnmarshalBlob(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrievalFailed, err)
	}

	key, err := s.engine.Decrypt(blob, s.kek, []byte("echokeeper/vault/"+alias))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyRetrievalFailed, err)
	}
	return key, nil
}

func (s *SoftwareStore) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.container.Entries[alias]; !ok {
		return nil
	}
	delete(s.container.Entries, alias)
	s.container.Header.UpdatedAt = time.Now()
	return s.saveLocked()
}

func (s *SoftwareStore) IsHardwareBacked() bool { return false }

// Close затирает KEK в памяти. Хранилище можно разблокировать снова.
func (s *SoftwareStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kek != nil {
		crypto.Zero(s.kek)
		s.kek = nil
	}
	return nil
}

func (s *SoftwareStore) saveLocked() error {
	data, err := json.MarshalIndent(s.container, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации хранилища: %w", err)
	}
	if err := os.WriteFile(s.path, data, vaultPermissions); err != nil {
		return fmt.Errorf("ошибка записи хранилища: %w", err)
	}
	return nil
}
