package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"MuseGen/config"
	"MuseGen/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "musegen",
	Short: "MuseGen 音乐生成与音频分发服务",
	Long: `MuseGen 接收用户的歌曲生成请求，调用生成后端并记账，
再按用户等级分发原始母带、MP3 或带水印的试听片段。`,
	SilenceUsage: true,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志
func setup(component string) *config.Config {
	cfg := config.Load()
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   true,
		Component:  component,
	})
	return cfg
}

// signalContext 收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
