// cmd/client/cmd/journal/get.go
package journal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

var audioOut string

var GetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Показать запись дневника",
	Long: `Расшифровка и просмотр записи. С флагом --audio-out расшифрованное
аудио сохраняется в указанный файл.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		id := args[0]
		entry, err := a.GetEntry(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("ошибка чтения записи: %w", err)
		}

		fmt.Printf("Запись: %s\n", entry.Entry.ID)
		fmt.Printf("Создана: %s\n", entry.Entry.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Длительность: %d сек\n", entry.Metadata.DurationSeconds)
		fmt.Printf("Состояние до/после: %d → %d\n",
			entry.Metadata.PreEmotionalState, entry.Metadata.PostEmotionalState)
		if entry.Metadata.MoodLabel != "" {
			fmt.Printf("Настроение: %s\n", entry.Metadata.MoodLabel)
		}
		if entry.Metadata.Notes != "" {
			fmt.Printf("Заметки: %s\n", entry.Metadata.Notes)
		}
		fmt.Printf("Синхронизация: %s (локальная v%d, серверная v%d)\n",
			entry.Entry.SyncStatus, entry.Entry.LocalVersion, entry.Entry.RemoteVersion)

		if audioOut != "" {
			audio, err := a.GetAudio(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("ошибка расшифровки аудио: %w", err)
			}
			if err := os.WriteFile(audioOut, audio, 0600); err != nil {
				return fmt.Errorf("ошибка записи аудиофайла: %w", err)
			}
			fmt.Printf("Аудио сохранено: %s\n", audioOut)
		}

		return nil
	},
}

func init() {
	GetCmd.Flags().StringVar(&audioOut, "audio-out", "", "сохранить расшифрованное аудио в файл")
}
