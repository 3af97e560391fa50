package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/exp/slog"

	"echokeeper/internal/app/client/config"
	"echokeeper/internal/app/client/syncengine"
	"echokeeper/internal/domain/journal"
)

type httpClient struct {
	client    *http.Client
	config    *config.Config
	log       *slog.Logger
	baseURL   string
	token     string
	userAgent string
}

func NewHTTPClient(cfg *config.Config, log *slog.Logger) (*httpClient, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  false,
			DisableKeepAlives:   false,
			MaxIdleConnsPerHost: 10,
		},
	}

	// Определяем протокол
	scheme := "http://"
	if cfg.EnableTLS {
		scheme = "https://"
	}
	baseURL := scheme + cfg.ServerAddress

	return &httpClient{
		client:    client,
		config:    cfg,
		log:       log,
		baseURL:   baseURL,
		userAgent: "EchoKeeper-Client/1.0",
	}, nil
}

// SetToken устанавливает токен аутентификации
func (h *httpClient) SetToken(token string) {
	h.token = token
}

// HealthCheck проверяет доступность сервера
func (h *httpClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", h.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("сервер недоступен: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("сервер вернул статус: %d", resp.StatusCode)
	}

	return nil
}

// CreateEntry создает запись дневника на сервере. Сервер назначает
// remote_version=1 и серверную метку фиксации.
func (h *httpClient) CreateEntry(ctx context.Context, req journal.CreateRequest) (*journal.CreateResponse, error) {
	resp, err := h.doRequest(ctx, "POST", "/api/journals", req)
	if err != nil {
		return nil, err
	}

	var createResp journal.CreateResponse
	if err := h.parseResponse(resp, &createResp); err != nil {
		return nil, err
	}

	return &createResp, nil
}

// UpdateEntry обновляет запись. 409 разворачивается в ConflictError с
// текущим состоянием сервера.
func (h *httpClient) UpdateEntry(ctx context.Context, id string, req journal.UpdateRequest) (*journal.UpdateResponse, error) {
	resp, err := h.doRequest(ctx, "PUT", "/api/journals/"+id, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		return nil, h.parseConflict(resp)
	}

	var updateResp journal.UpdateResponse
	if err := h.parseResponse(resp, &updateResp); err != nil {
		return nil, err
	}

	return &updateResp, nil
}

// DeleteEntry удаляет запись на сервере. Несуществующая запись — не ошибка:
// цель уже достигнута.
func (h *httpClient) DeleteEntry(ctx context.Context, id string) error {
	resp, err := h.doRequest(ctx, "DELETE", "/api/journals/"+id, nil)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return journal.ErrNotFound
	}

	return h.parseResponse(resp, nil)
}

// UploadAudio выгружает зашифрованный аудиоблоб как есть — сервер хранит
// его непрозрачным и никогда не расшифровывает.
func (h *httpClient) UploadAudio(ctx context.Context, id string, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, "PUT",
		h.baseURL+"/api/journals/"+id+"/audio", bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", h.userAgent)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка выполнения запроса: %w", err)
	}

	return h.parseResponse(resp, nil)
}

// ListEntries возвращает записи пользователя (без аудио).
func (h *httpClient) ListEntries(ctx context.Context) (*journal.ListResponse, error) {
	resp, err := h.doRequest(ctx, "GET", "/api/journals", nil)
	if err != nil {
		return nil, err
	}

	var listResp journal.ListResponse
	if err := h.parseResponse(resp, &listResp); err != nil {
		return nil, err
	}

	return &listResp, nil
}

func (h *httpClient) Login(ctx context.Context, login, password string) (string, error) {
	req := struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}{Login: login, Password: password}

	resp, err := h.doRequest(ctx, "POST", "/api/auth/login", req)
	if err != nil {
		return "", err
	}

	var loginResp struct {
		Token string `json:"token"`
	}

	if err := h.parseResponse(resp, &loginResp); err != nil {
		return "", err
	}

	h.SetToken(loginResp.Token)
	return loginResp.Token, nil
}

func (h *httpClient) Register(ctx context.Context, login, password string) error {
	req := struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}{Login: login, Password: password}

	resp, err := h.doRequest(ctx, "POST", "/api/auth/register", req)
	if err != nil {
		return err
	}

	return h.parseResponse(resp, nil)
}

func (h *httpClient) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ошибка маршалинга тела запроса: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	// Добавляем заголовки
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	h.log.Debug("Отправка запроса",
		"method", method,
		"url", req.URL.String(),
	)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}

	return resp, nil
}

func (h *httpClient) parseResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	h.log.Debug("Получен ответ",
		"status", resp.StatusCode,
	)

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil {
			if errResp.Error != "" {
				return fmt.Errorf("ошибка сервера: %s", errResp.Error)
			}
			if errResp.Title != "" {
				return fmt.Errorf("ошибка сервера: %s", errResp.Title)
			}
		}
		return fmt.Errorf("ошибка сервера: статус %d", resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("ошибка парсинга ответа: %w", err)
		}
	}

	return nil
}

// parseConflict разбирает тело 409-ответа в ConflictError.
func (h *httpClient) parseConflict(resp *http.Response) error {
	defer resp.Body.Close()

	var conflict journal.ConflictResponse
	if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
		return fmt.Errorf("ошибка разбора конфликта: %w", err)
	}

	return &syncengine.ConflictError{Server: conflict}
}
