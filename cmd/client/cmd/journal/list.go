// cmd/client/cmd/journal/list.go
package journal

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

var (
	limit  int
	offset int
)

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список записей дневника",
	Long: `Просмотр списка записей. Метаданные не расшифровываются — показываются
только несекретные поля. Поддерживается пагинация через --limit и --offset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		entries, err := a.ListEntries(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("ошибка получения списка записей: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("Записи не найдены")
			return nil
		}

		fmt.Printf("Найдено записей: %d\n\n", len(entries))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tСОЗДАНА\tДЛИТЕЛЬНОСТЬ\tСТАТУС")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d сек\t%s\n",
				e.ID,
				e.CreatedAt.Format("2006-01-02 15:04"),
				e.DurationSeconds,
				e.SyncStatus,
			)
		}
		return w.Flush()
	},
}

func init() {
	ListCmd.Flags().IntVar(&limit, "limit", 20, "максимум записей")
	ListCmd.Flags().IntVar(&offset, "offset", 0, "смещение для пагинации")
}
