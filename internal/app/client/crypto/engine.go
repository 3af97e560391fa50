package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// BlobFormatVersion — версия формата сериализованного блоба.
	// Позволяет мигрировать шифр в будущем, не ломая уже сохраненные данные.
	BlobFormatVersion = 1

	ivSize  = 12 // 96 бит, стандартный nonce GCM
	tagSize = 16 // 128 бит
	keySize = 32 // AES-256
)

var (
	// ErrTampered — тег аутентификации не сошелся: данные подменены или
	// ключ неверный. Никогда не ретраится молча.
	ErrTampered = errors.New("crypto: authentication failed, data tampered")

	// ErrCorrupt — блоб поврежден структурно (усечен, неизвестная версия).
	ErrCorrupt = errors.New("crypto: blob corrupt")

	// ErrInvalidKey — ключ неверной длины.
	ErrInvalidKey = errors.New("crypto: invalid key size")
)

// EncryptedBlob — результат аутентифицированного шифрования.
// IV генерируется заново на каждый вызов Encrypt и никогда не
// переиспользуется для одного ключа.
type EncryptedBlob struct {
	KeyID      string
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Engine — чистый AEAD-примитив (AES-256-GCM). Не имеет состояния,
// безопасен для конкурентного использования.
type Engine struct{}

// NewEngine создает движок шифрования.
func NewEngine() *Engine {
	return &Engine{}
}

// Encrypt шифрует plaintext ключом key с привязкой associatedData.
// IV берется из криптографически стойкого источника внутри —
// вызывающий код никогда не передает его сам.
func (e *Engine) Encrypt(plaintext, key, associatedData []byte) (*EncryptedBlob, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("ошибка генерации IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, associatedData)

	// gcm.Seal возвращает ciphertext||tag; разделяем для явного формата
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &EncryptedBlob{
		IV:         iv,
		Ciphertext: ct,
		Tag:        tag,
	}, nil
}

// Decrypt расшифровывает блоб. Падает закрыто: при несоответствии тега
// возвращается ErrTampered и ни байта открытого текста.
func (e *Engine) Decrypt(blob *EncryptedBlob, key, associatedData []byte) ([]byte, error) {
	if blob == nil || len(blob.IV) != ivSize || len(blob.Tag) != tagSize {
		return nil, ErrCorrupt
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+tagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)

	plaintext, err := gcm.Open(nil, blob.IV, sealed, associatedData)
	if err != nil {
		return nil, ErrTampered
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCM: %w", err)
	}

	return gcm, nil
}

// Marshal сериализует блоб в файловый формат:
// [formatVersion:1][ivLen:1][iv][tagLen:1][tag][ciphertext].
func (b *EncryptedBlob) Marshal() []byte {
	out := make([]byte, 0, 3+len(b.IV)+len(b.Tag)+len(b.Ciphertext))
	out = append(out, BlobFormatVersion)
	out = append(out, byte(len(b.IV)))
	out = append(out, b.IV...)
	out = append(out, byte(len(b.Tag)))
	out = append(out, b.Tag...)
	out = append(out, b.Ciphertext...)
	return out
}

// UnmarshalBlob разбирает сериализованный блоб. Структурные проблемы
// (усечение, чужая версия формата) дают ErrCorrupt, не ErrTampered.
func UnmarshalBlob(data []byte) (*EncryptedBlob, error) {
	if len(data) < 3 {
		return nil, ErrCorrupt
	}
	if data[0] != BlobFormatVersion {
		return nil, fmt.Errorf("%w: неизвестная версия формата %d", ErrCorrupt, data[0])
	}

	pos := 1
	ivLen := int(data[pos])
	pos++
	if pos+ivLen > len(data) {
		return nil, ErrCorrupt
	}
	iv := data[pos : pos+ivLen]
	pos += ivLen

	if pos >= len(data) {
		return nil, ErrCorrupt
	}
	tagLen := int(data[pos])
	pos++
	if pos+tagLen > len(data) {
		return nil, ErrCorrupt
	}
	tag := data[pos : pos+tagLen]
	pos += tagLen

	blob := &EncryptedBlob{
		IV:         append([]byte(nil), iv...),
		Tag:        append([]byte(nil), tag...),
		Ciphertext: append([]byte(nil), data[pos:]...),
	}
	return blob, nil
}

// GenerateKey возвращает свежий 256-битный симметричный ключ.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("ошибка генерации ключа: %w", err)
	}
	return key, nil
}

// Zero затирает чувствительные байты в памяти.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
