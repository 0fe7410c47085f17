package cmd

import (
	"fmt"
	"log"
	"time"

	"MuseGen/server"

	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "签发调试用的访问令牌",
	Long:  `用 JWT_SECRET 为指定用户签发 HS256 令牌。生产环境的令牌由外部身份服务签发。`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := setup("token")
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET 未设置")
		}
		tok, err := server.NewTokenVerifier(cfg.JWTSecret).IssueToken(args[0], tokenTTL)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(tok)
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "令牌有效期")
	rootCmd.AddCommand(tokenCmd)
}
