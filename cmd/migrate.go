package cmd

import (
	"github.com/spf13/cobra"

	"PictureBook-server/models"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或更新数据表",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := models.OpenDB(cfg)
			if err != nil {
				return err
			}
			if err := models.Migrate(db); err != nil {
				return err
			}
			log.Info("数据表已就绪", "driver", cfg.Database.Driver)
			return nil
		},
	}
}
