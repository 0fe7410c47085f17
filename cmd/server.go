package cmd

import (
	"MuseGen/logger"
	"MuseGen/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 API 服务",
	Long:  `启动面向用户的 API 服务：提交生成请求、查询状态、获取播放和下载地址，并在后台执行生成任务。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("server")
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()
		return server.StartAPI(ctx, cfg)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "启动音频 worker",
	Long:  `启动音频 worker 服务，处理 POST /process-audio 的转码请求（MP3 转换和带水印的试听片段）。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("worker")
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()
		return server.StartWorker(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
}
