package client

import (
	"echokeeper/internal/app/client/storage"
	"echokeeper/internal/app/client/syncqueue"
)

// CreateEntryRequest — новая запись дневника: аудио и чувствительные
// метаданные. Эмоциональные отметки шифруются вместе с остальными
// метаданными и в открытом виде никуда не записываются.
type CreateEntryRequest struct {
	Audio              []byte
	DurationSeconds    int
	PreEmotionalState  int // 1–5
	PostEmotionalState int // 1–5
	MoodLabel          string
	Notes              string
}

// UpdateEntryRequest — изменение метаданных записи (аудио неизменяемо
// после создания, кроме полной перезаписи).
type UpdateEntryRequest struct {
	PreEmotionalState  int
	PostEmotionalState int
	MoodLabel          string
	Notes              string
}

// DecryptedEntry — запись с расшифрованными метаданными для отображения.
type DecryptedEntry struct {
	Entry    *storage.JournalEntry
	Metadata *storage.EntryMetadata
}

// StatusReport — сводка для команды status.
type StatusReport struct {
	DeviceID       string
	HardwareBacked bool
	EntriesTotal   int
	ByStatus       map[storage.SyncStatus]int
	QueueDepth     map[syncqueue.ItemStatus]int
}
