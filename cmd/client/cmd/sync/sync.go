package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

var (
	retryID string
	watch   bool
)

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Синхронизация с сервером",
	Long: `Выгрузка накопившихся мутаций на сервер.

Очередь дренируется в порядке постановки; повторные изменения одной
записи уже схлопнуты в одну операцию. Конфликты разрешаются по правилу
«последняя запись побеждает», удаление всегда побеждает обновление.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		if retryID != "" {
			if err := a.RetrySync(cmd.Context(), retryID); err != nil {
				return fmt.Errorf("ошибка повторной постановки: %w", err)
			}
			fmt.Printf("Операции записи %s возвращены в очередь\n", retryID)
		}

		return runSync(cmd.Context(), a)
	},
}

func runSync(ctx context.Context, a *client.App) error {
	fmt.Println("=== Синхронизация данных ===")

	if !a.IsAuthenticated() {
		return fmt.Errorf("требуется аутентификация. Выполните: echokeeper auth login")
	}

	fmt.Println("Проверка соединения с сервером...")
	if err := a.CheckConnection(); err != nil {
		return fmt.Errorf("сервер недоступен: %v", err)
	}

	fmt.Println("Начало синхронизации...")
	start := time.Now()

	if err := a.Sync(ctx); err != nil {
		return fmt.Errorf("ошибка синхронизации: %w", err)
	}

	// Выводим накопившиеся события движка
	synced, conflicts, failed := 0, 0, 0
	for {
		select {
		case n := <-a.Notifications():
			switch {
			case n.Err != nil && n.Status == "failed":
				failed++
			case n.Status == "conflict":
				conflicts++
			case n.Status == "synced":
				synced++
			}
			continue
		default:
		}
		break
	}

	duration := time.Since(start)

	fmt.Println()
	fmt.Println("✅ Синхронизация завершена!")
	fmt.Printf("Время выполнения: %v\n", duration.Round(time.Millisecond))
	fmt.Printf("Выгружено операций: %d\n", synced)
	if conflicts > 0 {
		fmt.Printf("Разрешено конфликтов: %d\n", conflicts)
	}
	if failed > 0 {
		fmt.Printf("⚠️  Отказавших операций: %d (см. echokeeper status)\n", failed)
	}

	if watch {
		fmt.Println()
		fmt.Println("Фоновая синхронизация запущена, Ctrl+C для выхода...")
		return a.RunSync(ctx)
	}

	return nil
}

func init() {
	SyncCmd.Flags().StringVar(&retryID, "retry", "", "вернуть отказавшие операции записи в очередь")
	SyncCmd.Flags().BoolVarP(&watch, "watch", "w", false, "остаться в фоновом цикле синхронизации")
}
