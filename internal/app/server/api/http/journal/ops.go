package journal

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) createOp() huma.Operation {
	return huma.Operation{
		OperationID: "journals-create",
		Method:      http.MethodPost,
		Path:        "/api/journals",
		Summary:     "Создать запись дневника",
		Description: "Принимает зашифрованные на клиенте метаданные, назначает remote_version=1 и серверную метку фиксации. Повтор того же create идемпотентен.",
		Tags:        []string{"journals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) updateOp() huma.Operation {
	return huma.Operation{
		OperationID: "journals-update",
		Method:      http.MethodPut,
		Path:        "/api/journals/{id}",
		Summary:     "Обновить запись дневника",
		Description: "Применяет обновление поверх base_version. При расхождении версий возвращает 409 с текущим состоянием сервера.",
		Tags:        []string{"journals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) deleteOp() huma.Operation {
	return huma.Operation{
		OperationID: "journals-delete",
		Method:      http.MethodDelete,
		Path:        "/api/journals/{id}",
		Summary:     "Удалить запись дневника",
		Description: "Мягкое удаление без проверки версии: удаление всегда побеждает обновление.",
		Tags:        []string{"journals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) listOp() huma.Operation {
	return huma.Operation{
		OperationID: "journals-list",
		Method:      http.MethodGet,
		Path:        "/api/journals",
		Summary:     "Список записей пользователя",
		Tags:        []string{"journals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) uploadAudioOp() huma.Operation {
	return huma.Operation{
		OperationID: "journals-upload-audio",
		Method:      http.MethodPut,
		Path:        "/api/journals/{id}/audio",
		Summary:     "Выгрузить зашифрованный аудиоблоб",
		Description: "Тело запроса — зашифрованный блоб как есть. Сервер хранит его непрозрачным.",
		Tags:        []string{"journals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) downloadAudioOp() huma.Operation {
	return huma.Operation{
		OperationID: "journals-download-audio",
		Method:      http.MethodGet,
		Path:        "/api/journals/{id}/audio",
		Summary:     "Скачать зашифрованный аудиоблоб",
		Tags:        []string{"journals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}
