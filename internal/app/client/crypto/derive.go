package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Константы для PBKDF2
	pbkdf2Iterations = 100000
	pbkdf2KeyLength  = keySize
	pbkdf2SaltLength = 16

	// Константы для Argon2id (альтернативный алгоритм заголовка)
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = keySize

	// Имена алгоритмов в заголовке программного хранилища
	AlgPBKDF2   = "PBKDF2-SHA256"
	AlgArgon2id = "Argon2id"
)

// DeriveKeyFromSecret выводит 256-битный ключ из пользовательского секрета.
// Используется как замена мастер-ключа, когда аппаратное хранилище
// недоступно. При пустой соли генерируется случайная; соль возвращается
// вызывающему для сохранения в заголовке.
func DeriveKeyFromSecret(secret, salt []byte) (key, usedSalt []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, fmt.Errorf("%w: пустой секрет", ErrKeyDerivation)
	}

	if len(salt) == 0 {
		salt = make([]byte, pbkdf2SaltLength)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, fmt.Errorf("%w: генерация соли: %v", ErrKeyDerivation, err)
		}
	}

	key = pbkdf2.Key(secret, salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	return key, salt, nil
}

// DeriveKeyArgon2 выводит ключ алгоритмом Argon2id. Поддерживается для
// заголовков, записанных этим алгоритмом.
func DeriveKeyArgon2(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// KeyCheckHash возвращает hex-пригодный SHA-256 хэш ключа для проверки
// пароля без попытки расшифровки данных.
func KeyCheckHash(key []byte) [sha256.Size]byte {
	return sha256.Sum256(key)
}
