package journal

import (
	"github.com/spf13/cobra"
)

// JournalCmd - родительская команда для всех операций с записями дневника
var JournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Управление записями дневника",
	Long:  `Создание, просмотр и удаление зашифрованных записей голосового дневника.`,
}
