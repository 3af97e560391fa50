package keys

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

// KeysCmd - родительская команда для операций с иерархией ключей
var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Управление ключами шифрования",
	Long:  `Операции над иерархией ключей: ротация мастер-ключа.`,
}

var rotateYes bool

var RotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Ротация мастер-ключа",
	Long: `Создает новый мастер-ключ и перезаворачивает под ним все ключи
данных. Записи остаются доступными; подмена набора атомарна — сбой на
любом шаге оставляет старый ключ в силе.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		if !rotateYes {
			fmt.Print("Выполнить ротацию мастер-ключа? [y/N]: ")
			var answer string
			_, _ = fmt.Scanln(&answer)
			if strings.ToLower(answer) != "y" {
				fmt.Println("Отменено")
				return nil
			}
		}

		fmt.Println("Ротация мастер-ключа...")
		if err := a.RotateMasterKey(cmd.Context()); err != nil {
			return fmt.Errorf("ошибка ротации: %w", err)
		}

		fmt.Println("✅ Ротация завершена, все ключи данных перезавернуты")
		return nil
	},
}

func init() {
	RotateCmd.Flags().BoolVarP(&rotateYes, "yes", "y", false, "не спрашивать подтверждение")
}
