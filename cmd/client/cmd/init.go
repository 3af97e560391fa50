// cmd/client/cmd/init.go
package cmd

import (
	"fmt"

	"echokeeper/cmd/client/cmd/auth"
	"echokeeper/cmd/client/cmd/journal"
	"echokeeper/cmd/client/cmd/keys"
	"echokeeper/cmd/client/cmd/sync"
	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Инициализировать клиент EchoKeeper",
	Long: `Команда init выполняет первоначальную настройку клиента:
	1. Создает мастер-ключ в защищенном хранилище платформы
	2. Настраивает директорию для локальных данных
	3. Проверяет соединение с сервером

Если системное хранилище ключей недоступно, используется программное
хранилище с парольной фразой — в этом случае выберите надежную фразу
и сохраните ее: без нее данные восстановить невозможно.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(types.ClientAppKey).(*client.App)
		if a == nil {
			return fmt.Errorf("приложение не инициализировано")
		}

		fmt.Println("=== Инициализация EchoKeeper ===")
		fmt.Println()

		fmt.Println("Создание мастер-ключа...")
		if err := a.Init(cmd.Context()); err != nil {
			return fmt.Errorf("ошибка создания мастер-ключа: %w", err)
		}

		fmt.Println("Проверка соединения с сервером...")
		if err := a.CheckConnection(); err != nil {
			fmt.Printf("⚠️  Предупреждение: не удалось подключиться к серверу: %v\n", err)
			fmt.Println("Вы можете работать в офлайн-режиме, записи выгрузятся позже.")
		} else {
			fmt.Println("✓ Соединение с сервером установлено")
		}

		fmt.Println()
		fmt.Println("✅ Инициализация успешно завершена!")
		fmt.Println()
		fmt.Println("Что дальше:")
		fmt.Println("1. Зарегистрируйтесь на сервере: echokeeper auth register")
		fmt.Println("2. Войдите в систему: echokeeper auth login")
		fmt.Println("3. Создайте первую запись: echokeeper journal create")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(statusCmd)

	// Добавляем команды аутентификации
	rootCmd.AddCommand(auth.AuthCmd)
	auth.AuthCmd.AddCommand(auth.RegisterCmd)
	auth.AuthCmd.AddCommand(auth.LoginCmd)

	// Добавляем команды работы с записями дневника
	rootCmd.AddCommand(journal.JournalCmd)
	journal.JournalCmd.AddCommand(journal.CreateCmd)
	journal.JournalCmd.AddCommand(journal.GetCmd)
	journal.JournalCmd.AddCommand(journal.ListCmd)
	journal.JournalCmd.AddCommand(journal.DeleteCmd)

	rootCmd.AddCommand(sync.SyncCmd)

	rootCmd.AddCommand(keys.KeysCmd)
	keys.KeysCmd.AddCommand(keys.RotateCmd)
}
