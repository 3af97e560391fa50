// cmd/client/cmd/status.go
package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
	"echokeeper/internal/app/client/storage"
	"echokeeper/internal/app/client/syncqueue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Состояние клиента и очереди синхронизации",
	Long: `Сводка по локальным данным: сколько записей в каждом состоянии
синхронизации, глубина очереди мутаций, тип хранилища ключей.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		report, err := a.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения статуса: %w", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Println("=== Состояние EchoKeeper ===")
		fmt.Println()
		fmt.Printf("Устройство: %s\n", report.DeviceID)
		if report.HardwareBacked {
			fmt.Printf("Хранилище ключей: %s\n", green("системное"))
		} else {
			fmt.Printf("Хранилище ключей: %s\n", yellow("программное (парольная фраза)"))
		}

		fmt.Println()
		fmt.Printf("Записей всего: %d\n", report.EntriesTotal)
		for _, s := range []struct {
			status storage.SyncStatus
			label  string
			paint  func(a ...interface{}) string
		}{
			{storage.StatusSynced, "синхронизировано", green},
			{storage.StatusLocal, "только локально", yellow},
			{storage.StatusUploading, "выгружается", yellow},
			{storage.StatusConflict, "конфликт", red},
			{storage.StatusFailed, "отказ", red},
		} {
			if n := report.ByStatus[s.status]; n > 0 {
				fmt.Printf("  %s: %d\n", s.paint(s.label), n)
			}
		}

		fmt.Println()
		pending := report.QueueDepth[syncqueue.StatusPending]
		failed := report.QueueDepth[syncqueue.StatusFailed]
		fmt.Printf("Очередь синхронизации: %d в ожидании", pending)
		if failed > 0 {
			fmt.Printf(", %s", red(fmt.Sprintf("%d отказали", failed)))
		}
		fmt.Println()

		if failed > 0 {
			fmt.Println()
			fmt.Println("Для повторной выгрузки отказавших операций:")
			fmt.Println("  echokeeper sync --retry <id записи>")
		}

		// Проверяем соединение с сервером
		fmt.Print("\nСоединение с сервером: ")
		if err := a.CheckConnection(); err != nil {
			fmt.Println(red("недоступно"))
		} else {
			fmt.Println(green("OK"))
		}

		return nil
	},
}
