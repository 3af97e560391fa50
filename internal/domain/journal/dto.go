package journal

import (
	"time"
)

// CreateRequest — создание записи на сервере. Метаданные уже зашифрованы
// на клиенте, сервер назначает remote_version=1 и серверную метку времени.
type CreateRequest struct {
	ID            string `json:"id" doc:"Идентификатор записи, назначенный клиентом (UUID)"`
	EncryptedMeta string `json:"encrypted_meta" doc:"Зашифрованные метаданные (base64)"`
	AudioChecksum string `json:"audio_checksum,omitempty" doc:"SHA-256 зашифрованного аудио"`
	DeviceID      string `json:"device_id,omitempty" doc:"ID устройства"`
	EnqueuedAt    time.Time `json:"enqueued_at" doc:"Момент постановки мутации в очередь на клиенте"`
}

// CreateResponse возвращает назначенную версию и серверную метку фиксации.
type CreateResponse struct {
	ID            string    `json:"id"`
	RemoteVersion int64     `json:"remote_version"`
	CommittedAt   time.Time `json:"committed_at"`
}

// UpdateRequest — обновление; требует версию, которую клиент считает текущей.
type UpdateRequest struct {
	EncryptedMeta string    `json:"encrypted_meta"`
	AudioChecksum string    `json:"audio_checksum,omitempty"`
	BaseVersion   int64     `json:"base_version" doc:"remote_version, известная клиенту"`
	DeviceID      string    `json:"device_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// UpdateResponse — новая версия после успешной фиксации.
type UpdateResponse struct {
	ID            string    `json:"id"`
	RemoteVersion int64     `json:"remote_version"`
	CommittedAt   time.Time `json:"committed_at"`
}

// ConflictResponse — тело 409-ответа: текущее состояние сервера,
// чтобы клиент мог детерминированно разрешить конфликт. EncryptedMeta
// несет победившие зашифрованные метаданные: проигравший клиент
// перенимает их локально и сходится с сервером без отдельного запроса.
type ConflictResponse struct {
	ID            string    `json:"id"`
	RemoteVersion int64     `json:"remote_version"`
	CommittedAt   time.Time `json:"committed_at"`
	Deleted       bool      `json:"deleted"`
	EncryptedMeta string    `json:"encrypted_meta,omitempty"`
}

// ListResponse — список записей пользователя (только заголовки, без аудио).
type ListResponse struct {
	Entries []Entry `json:"entries"`
}
