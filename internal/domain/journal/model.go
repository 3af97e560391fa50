package journal

import (
	"time"
)

// Entry — запись голосового дневника в том виде, в котором её знает сервер.
// Сервер хранит только зашифрованные блобы: аудио и метаданные приходят
// от клиента уже как непрозрачные байты, открытый текст и ключи на сервер
// не попадают никогда.
type Entry struct {
	ID            string     `json:"id"`
	UserID        int        `json:"user_id"`
	EncryptedMeta string     `json:"encrypted_meta,omitempty"` // base64 EncryptedBlob
	AudioChecksum string     `json:"audio_checksum,omitempty"`
	RemoteVersion int64      `json:"remote_version"`
	CommittedAt   time.Time  `json:"committed_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeviceID      string     `json:"device_id,omitempty"`
}
