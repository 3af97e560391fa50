package journal

import (
	"time"

	"echokeeper/internal/domain/journal"
)

type createInput struct {
	Body journal.CreateRequest
}

type createOutput struct {
	Body journal.CreateResponse
}

type updateInput struct {
	ID   string `path:"id" doc:"ID записи (UUID, назначен клиентом)"`
	Body journal.UpdateRequest
}

// updateResponse отдается и на успех, и на конфликт: при 409 в теле
// лежит текущее состояние сервера, по которому клиент разрешает
// конфликт детерминированно.
type updateResponse struct {
	ID            string    `json:"id"`
	RemoteVersion int64     `json:"remote_version"`
	CommittedAt   time.Time `json:"committed_at"`
	Deleted       bool      `json:"deleted,omitempty"`
	EncryptedMeta string    `json:"encrypted_meta,omitempty" doc:"Победившие зашифрованные метаданные (только при 409)"`
}

type updateOutput struct {
	Status int
	Body   updateResponse
}

type deleteInput struct {
	ID       string `path:"id" doc:"ID записи"`
	DeviceID string `query:"device_id" doc:"ID устройства, инициировавшего удаление"`
}

type deleteOutput struct {
	Body statusResponse
}

type listInput struct{}

type listOutput struct {
	Body journal.ListResponse
}

type uploadAudioInput struct {
	ID      string `path:"id" doc:"ID записи"`
	RawBody []byte `contentType:"application/octet-stream"`
}

type uploadAudioOutput struct {
	Body statusResponse
}

type downloadAudioInput struct {
	ID string `path:"id" doc:"ID записи"`
}

type downloadAudioOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

type statusResponse struct {
	Status string `json:"status"`
}
