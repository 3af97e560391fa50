// cmd/client/cmd/journal/create.go
package journal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

var (
	audioPath string
	duration  int
	preState  int
	postState int
	moodLabel string
	notes     string
)

var CreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Создать запись дневника",
	Long: `Создание записи голосового дневника.

Аудиофайл и эмоциональные отметки шифруются на устройстве; запись
встает в очередь синхронизации и выгрузится при появлении сети.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		if audioPath == "" {
			fmt.Print("Путь к аудиофайлу: ")
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				audioPath = scanner.Text()
			}
			if audioPath == "" {
				return fmt.Errorf("аудиофайл обязателен")
			}
		}

		audio, err := os.ReadFile(audioPath)
		if err != nil {
			return fmt.Errorf("ошибка чтения аудиофайла: %w", err)
		}

		if preState == 0 {
			preState, err = askState("Эмоциональное состояние до записи [1-5]: ")
			if err != nil {
				return err
			}
		}
		if postState == 0 {
			postState, err = askState("Эмоциональное состояние после записи [1-5]: ")
			if err != nil {
				return err
			}
		}

		fmt.Println("Шифрование и сохранение записи...")
		id, err := a.CreateEntry(cmd.Context(), client.CreateEntryRequest{
			Audio:              audio,
			DurationSeconds:    duration,
			PreEmotionalState:  preState,
			PostEmotionalState: postState,
			MoodLabel:          moodLabel,
			Notes:              notes,
		})
		if err != nil {
			return fmt.Errorf("ошибка создания записи: %w", err)
		}

		fmt.Println()
		fmt.Printf("✅ Запись %s создана и поставлена в очередь синхронизации\n", id)

		return nil
	},
}

func askState(prompt string) (int, error) {
	fmt.Print(prompt)
	var raw string
	_, _ = fmt.Scanln(&raw)

	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > 5 {
		return 0, fmt.Errorf("отметка должна быть числом от 1 до 5")
	}
	return v, nil
}

func init() {
	CreateCmd.Flags().StringVarP(&audioPath, "audio", "a", "", "путь к аудиофайлу")
	CreateCmd.Flags().IntVarP(&duration, "duration", "d", 0, "длительность записи в секундах")
	CreateCmd.Flags().IntVar(&preState, "pre", 0, "эмоциональное состояние до записи (1-5)")
	CreateCmd.Flags().IntVar(&postState, "post", 0, "эмоциональное состояние после записи (1-5)")
	CreateCmd.Flags().StringVar(&moodLabel, "mood", "", "отметка настроения")
	CreateCmd.Flags().StringVar(&notes, "notes", "", "текстовые заметки")
}
