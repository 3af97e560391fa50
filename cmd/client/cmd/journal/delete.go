// cmd/client/cmd/journal/delete.go
package journal

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

var deleteYes bool

var DeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Удалить запись дневника",
	Long: `Удаление записи. Ключи данных уничтожаются немедленно — шифротекст
становится невосстановимым, даже если его копии где-то уцелели. Удаление
на сервере выполнится при ближайшей синхронизации.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		id := args[0]

		if !deleteYes {
			fmt.Printf("Удалить запись %s безвозвратно? [y/N]: ", id)
			var answer string
			_, _ = fmt.Scanln(&answer)
			if strings.ToLower(answer) != "y" {
				fmt.Println("Отменено")
				return nil
			}
		}

		if err := a.DeleteEntry(cmd.Context(), id); err != nil {
			return fmt.Errorf("ошибка удаления записи: %w", err)
		}

		fmt.Printf("✅ Запись %s удалена\n", id)
		return nil
	},
}

func init() {
	DeleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "не спрашивать подтверждение")
}
