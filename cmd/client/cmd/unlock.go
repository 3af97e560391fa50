// cmd/client/cmd/unlock.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Разблокировать доступ к мастер-ключу",
	Long: `Проверяет доступ к мастер-ключу. Для программного хранилища будет
запрошена парольная фраза и сверена с контрольным хэшем. С системным
хранилищем команда лишь подтверждает, что ключ доступен.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		if err := a.Unlock(cmd.Context()); err != nil {
			return err
		}

		if a.HardwareBacked() {
			fmt.Println("✅ Мастер-ключ доступен (системное хранилище)")
		} else {
			fmt.Println("✅ Мастер-ключ разблокирован (программное хранилище)")
		}
		return nil
	},
}
