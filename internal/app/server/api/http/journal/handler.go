package journal

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"echokeeper/internal/app/server/api/http/middleware/auth"
	"echokeeper/internal/domain/journal"
)

type Handler struct {
	service    journal.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service journal.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.createOp(), h.create)
	huma.Register(api, h.updateOp(), h.update)
	huma.Register(api, h.deleteOp(), h.delete)
	huma.Register(api, h.listOp(), h.list)
	huma.Register(api, h.uploadAudioOp(), h.uploadAudio)
	huma.Register(api, h.downloadAudioOp(), h.downloadAudio)
}

func (h *Handler) create(ctx context.Context, input *createInput) (*createOutput, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("не авторизован")
	}

	resp, err := h.service.Create(ctx, userID, input.Body)
	if err != nil {
		if errors.Is(err, journal.ErrInvalidData) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, huma.Error500InternalServerError("не удалось создать запись")
	}

	return &createOutput{Body: *resp}, nil
}

func (h *Handler) update(ctx context.Context, input *updateInput) (*updateOutput, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("не авторизован")
	}

	resp, err := h.service.Update(ctx, userID, input.ID, input.Body)
	if err == nil {
		return &updateOutput{
			Status: http.StatusOK,
			Body: updateResponse{
				ID:            resp.ID,
				RemoteVersion: resp.RemoteVersion,
				CommittedAt:   resp.CommittedAt,
			},
		}, nil
	}

	var conflict *journal.VersionConflictError
	if errors.As(err, &conflict) {
		return &updateOutput{
			Status: http.StatusConflict,
			Body: updateResponse{
				ID:            conflict.State.ID,
				RemoteVersion: conflict.State.RemoteVersion,
				CommittedAt:   conflict.State.CommittedAt,
				Deleted:       conflict.State.Deleted,
				EncryptedMeta: conflict.State.EncryptedMeta,
			},
		}, nil
	}

	switch {
	case errors.Is(err, journal.ErrNotFound):
		return nil, huma.Error404NotFound("запись не найдена")
	case errors.Is(err, journal.ErrInvalidData):
		return nil, huma.Error400BadRequest(err.Error())
	default:
		return nil, huma.Error500InternalServerError("не удалось обновить запись")
	}
}

func (h *Handler) delete(ctx context.Context, input *deleteInput) (*deleteOutput, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("не авторизован")
	}

	err := h.service.Delete(ctx, userID, input.ID, input.DeviceID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, huma.Error404NotFound("запись не найдена")
		}
		return nil, huma.Error500InternalServerError("не удалось удалить запись")
	}

	return &deleteOutput{Body: statusResponse{Status: "Ok"}}, nil
}

func (h *Handler) list(ctx context.Context, _ *listInput) (*listOutput, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("не авторизован")
	}

	resp, err := h.service.List(ctx, userID)
	if err != nil {
		return nil, huma.Error500InternalServerError("не удалось получить список записей")
	}

	return &listOutput{Body: resp}, nil
}

func (h *Handler) uploadAudio(ctx context.Context, input *uploadAudioInput) (*uploadAudioOutput, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("не авторизован")
	}

	err := h.service.UploadAudio(ctx, userID, input.ID, input.RawBody)
	if err != nil {
		switch {
		case errors.Is(err, journal.ErrNotFound):
			return nil, huma.Error404NotFound("запись не найдена")
		case errors.Is(err, journal.ErrInvalidData):
			return nil, huma.Error400BadRequest(err.Error())
		default:
			return nil, huma.Error500InternalServerError("не удалось сохранить аудио")
		}
	}

	return &uploadAudioOutput{Body: statusResponse{Status: "Ok"}}, nil
}

func (h *Handler) downloadAudio(ctx context.Context, input *downloadAudioInput) (*downloadAudioOutput, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("не авторизован")
	}

	blob, err := h.service.DownloadAudio(ctx, userID, input.ID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, huma.Error404NotFound("аудио не найдено")
		}
		return nil, huma.Error500InternalServerError("не удалось прочитать аудио")
	}

	return &downloadAudioOutput{
		ContentType: "application/octet-stream",
		Body:        blob,
	}, nil
}
