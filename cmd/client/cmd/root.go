// cmd/client/cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/exp/slog"
	"golang.org/x/term"

	"echokeeper/cmd/client/cmd/types"
	"echokeeper/internal/app/client"
	"echokeeper/internal/app/client/config"
	"echokeeper/internal/utils/logger"

	"github.com/spf13/cobra"
)

var (
	cfg       *config.Config
	log       *slog.Logger
	app       *client.App
	serverURL string
	offline   bool
	metered   bool
)

var rootCmd = &cobra.Command{
	Use:   "echokeeper",
	Short: "EchoKeeper - клиент голосового дневника с E2E-шифрованием",
	Long: `EchoKeeper — клиент голосового дневника для wellness-приложения.

Аудиозаписи и эмоциональные отметки шифруются на устройстве до записи
на диск; сервер хранит только непрозрачные зашифрованные блобы. Работа
офлайн — норма: мутации копятся в долговечной очереди и выгружаются,
когда появляется сеть.`,
	PersistentPreRunE: setupApp,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	// Загружаем конфигурацию
	cfg = config.MustLoad()

	// Переопределяем настройки из флагов командной строки
	if serverURL != "" {
		cfg.ServerAddress = serverURL
	}
	if metered {
		cfg.MeteredLink = true
	}

	// Настраиваем логгер
	log = logger.New(cfg.Env)

	// Создаем приложение
	var err error
	app, err = client.New(cfg, log, passphrasePrompt)
	if err != nil {
		return fmt.Errorf("ошибка инициализации приложения: %w", err)
	}

	if offline {
		app.SetConnectivity(false, cfg.MeteredLink)
	}

	cmd.SetContext(context.WithValue(cmd.Context(), types.ClientAppKey, app))
	return nil
}

// passphrasePrompt запрашивает парольную фразу программного хранилища
// ключей, не отображая ввод.
func passphrasePrompt(reason string) ([]byte, error) {
	fmt.Printf("%s\n", reason)
	fmt.Print("Парольная фраза хранилища ключей: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения парольной фразы: %w", err)
	}
	return secret, nil
}

func init() {
	cobra.OnInitialize()

	// Глобальные флаги
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "адрес сервера EchoKeeper")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "не выполнять сетевые операции")
	rootCmd.PersistentFlags().BoolVar(&metered, "metered", false, "считать сеть лимитируемой")

	// Команды будут добавлены в init() соответствующих файлов
}
