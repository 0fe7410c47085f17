package cmd

import (
	"fmt"
	"log"

	"MuseGen/db"
	"MuseGen/logger"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "迁移数据表",
	Long:  `根据模型自动创建或更新 users、categories、songs、generation_jobs 等数据表。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := setup("migrate")
		defer logger.Sync()

		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			log.Fatalf("无法连接到数据库: %v", err)
		}
		defer db.CloseGormDB(gdb)

		if err := db.AutoMigrate(gdb); err != nil {
			log.Fatalf("迁移失败: %v", err)
		}
		fmt.Println("数据表迁移完成。")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
