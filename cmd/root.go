package cmd

import (
	"github.com/spf13/cobra"

	"PictureBook-server/config"
	"PictureBook-server/logger"
)

func NewRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "picturebook-server",
		Short:         "AI 绘本创作后端",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", config.DefaultPath, "Configuration file path")

	rootCmd.AddCommand(newServeCommand(&configFlag))
	rootCmd.AddCommand(newMigrateCommand(&configFlag))
	return rootCmd
}

// loadEnv 读取配置并建立日志
func loadEnv(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, err
	}
	if cfg.FileMissing() {
		log.Warn("配置文件不存在，使用默认配置", "path", configPath)
	}
	return cfg, log, nil
}
