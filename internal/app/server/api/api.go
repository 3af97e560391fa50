// Сервер синхронизации дневника. Принимает от клиентов зашифрованные
// блобы и разрешает конкурентные мутации по версиям; открытый текст и
// ключи шифрования на сервер не попадают никогда.
//
// POST   /api/auth/register        # Регистрация (публичный)
// POST   /api/auth/login           # Логин (публичный)
// GET    /api/health               # Проверка доступности (публичный)
// POST   /api/journals             # Создать запись (auth)
// GET    /api/journals             # Список записей (auth)
// PUT    /api/journals/{id}        # Обновить запись, 409 при конфликте (auth)
// DELETE /api/journals/{id}        # Удалить запись (auth)
// PUT    /api/journals/{id}/audio  # Выгрузить аудиоблоб (auth)
// GET    /api/journals/{id}/audio  # Скачать аудиоблоб (auth)

package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	healthAPI "echokeeper/internal/app/server/api/http/health"
	journalAPI "echokeeper/internal/app/server/api/http/journal"
	"echokeeper/internal/app/server/api/http/middleware"
	"echokeeper/internal/app/server/api/http/middleware/auth"
	"echokeeper/internal/app/server/api/http/middleware/logger"
	userAPI "echokeeper/internal/app/server/api/http/user"
	"echokeeper/internal/domain/journal"
	"echokeeper/internal/domain/session"
	"echokeeper/internal/domain/user"
	"echokeeper/internal/infrastructure/storage/postgres"
)

type Handlers struct {
	Health  *healthAPI.Handler
	User    *userAPI.Handler
	Journal *journalAPI.Handler
}

// New создает *chi.Mux со всеми операциями через huma.Register
func New(storage *postgres.Storage, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()

	config := huma.DefaultConfig("EchoKeeper API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	API := humachi.New(mux, config)

	h := handlers(storage, log)
	h.Health.SetupRoutes(API)
	h.User.SetupRoutes(API)
	h.Journal.SetupRoutes(API)

	return mux
}

func handlers(storage *postgres.Storage, log *slog.Logger) *Handlers {
	sessionRepo := postgres.NewSessionRepository(storage.Pool(), log)
	sessionService := session.NewService(sessionRepo, log)
	authMW := auth.New(sessionService, log)
	loggerMW := logger.New(log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(log, middlewares.GetAllAndClear())

	userRepo := postgres.NewUserRepository(storage.Pool(), log)
	userService := user.NewService(userRepo, log)
	middlewares.Add(loggerMW.Middleware())
	userHandler := userAPI.NewHandler(userService, sessionService, log, middlewares.GetAllAndClear())

	journalRepo := postgres.NewJournalRepository(storage.Pool(), log)
	journalService := journal.NewService(journalRepo, log)
	middlewares.Add(authMW.Middleware())
	middlewares.Add(loggerMW.Middleware())
	journalHandler := journalAPI.NewHandler(journalService, log, middlewares.GetAllAndClear())

	return &Handlers{
		Health:  healthHandler,
		User:    userHandler,
		Journal: journalHandler,
	}
}
