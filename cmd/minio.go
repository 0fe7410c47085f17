package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"

	"MuseGen/cache"
	"MuseGen/config"
	"MuseGen/core/delivery"
	"MuseGen/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix    string
	minioStats     bool
	minioRecursive bool
	minioPurge     bool
	minioDryRun    bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "对象存储管理",
	Long: `查看对象存储中的文件和统计信息。派生文件（MP3、试听片段）一旦生成不会自动失效，
更换水印或转码参数后用 --purge-derivatives 清理，下次播放时会重新生成。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := setup("minio")
		fmt.Printf("对象存储配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewMinioStore(cfg)
		if err != nil {
			log.Fatalf("无法连接到对象存储: %v", err)
		}
		ctx := context.Background()

		objects, err := store.List(ctx, minioPrefix, minioRecursive || minioStats || minioPurge)
		if err != nil {
			log.Fatalf("列出文件失败: %v", err)
		}

		switch {
		case minioPurge:
			purgeDerivatives(ctx, cfg, store, objects)
		case minioStats:
			printStats(storage.Stats(objects))
		default:
			fmt.Printf("\n前缀 %q 下的文件:\n", minioPrefix)
			for _, obj := range objects {
				fmt.Printf("  %-60s %10s  %s\n", obj.Key, storage.FormatSize(obj.Size), obj.LastModified.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("共 %d 个文件\n", len(objects))
		}
	},
}

func printStats(stats *storage.BucketStats) {
	fmt.Printf("\n文件总数: %d\n", stats.TotalObjects)
	fmt.Printf("总大小: %s\n", storage.FormatSize(stats.TotalSize))
	if !stats.LastModified.IsZero() {
		fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
	}

	exts := make([]string, 0, len(stats.ByExtension))
	for ext := range stats.ByExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		fmt.Printf("  %-8s %d\n", ext, stats.ByExtension[ext])
	}
}

func purgeDerivatives(ctx context.Context, cfg *config.Config, store *storage.MinioStore, objects []storage.ObjectInfo) {
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	derived := delivery.DerivativeKeys(keys)
	if len(derived) == 0 {
		fmt.Println("没有找到派生文件。")
		return
	}

	fmt.Printf("\n找到 %d 个派生文件:\n", len(derived))
	for _, k := range derived {
		fmt.Println("  " + k)
	}
	if minioDryRun {
		fmt.Println("--dry-run，未删除任何文件。")
		return
	}

	targets := make(map[string]bool, len(derived))
	for _, k := range derived {
		targets[k] = true
	}
	n, err := store.DeleteMatching(ctx, minioPrefix, func(key string) bool { return targets[key] })
	if err != nil {
		log.Fatalf("删除派生文件失败: %v", err)
	}
	fmt.Printf("已删除 %d 个派生文件。\n", n)

	// 已缓存的预签名地址指向被删除的对象
	if client, err := cache.ConnectRedis(cfg); err != nil {
		fmt.Printf("无法连接 Redis，地址缓存将在过期后自然失效: %v\n", err)
	} else if client != nil {
		defer cache.CloseRedis()
		if err := cache.NewURLCache(client).Forget(ctx, derived...); err != nil {
			fmt.Printf("清理地址缓存失败: %v\n", err)
		}
	}
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示存储桶统计信息")
	minioCmd.Flags().BoolVarP(&minioRecursive, "recursive", "r", false, "递归列出子目录")
	minioCmd.Flags().BoolVar(&minioPurge, "purge-derivatives", false, "删除前缀下所有派生的 MP3 和试听片段")
	minioCmd.Flags().BoolVar(&minioDryRun, "dry-run", false, "只列出将被删除的派生文件")

	minioCmd.Example = `  # 列出所有文件
  musegen minio -r

  # 显示存储桶统计信息
  musegen minio -s

  # 预览将被清理的派生文件
  musegen minio --purge-derivatives --dry-run -p "songs/"

  # 清理派生文件
  musegen minio --purge-derivatives -p "songs/"`
}
