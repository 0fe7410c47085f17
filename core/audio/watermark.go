package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"MuseGen/logger"

	"github.com/fsnotify/fsnotify"
)

// WatermarkEvent 水印文件变化
type WatermarkEvent struct {
	Path string
	Op   fsnotify.Op
}

// WatermarkWatcher 监听水印音频文件。
// 已缓存的试听片段不会因水印变化而重新生成，这里只负责发出告警。
type WatermarkWatcher struct {
	clipPath string
	watcher  *fsnotify.Watcher
	events   chan WatermarkEvent
}

// NewWatermarkWatcher 检查水印文件存在并开始监听其所在目录
func NewWatermarkWatcher(clipPath string) (*WatermarkWatcher, error) {
	abs, err := filepath.Abs(clipPath)
	if err != nil {
		return nil, fmt.Errorf("解析水印路径失败: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("水印文件不可用: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("水印路径 %s 是目录", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听器失败: %w", err)
	}
	// 监听目录而不是文件本身，编辑器保存时常常是 rename 替换
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("监听目录失败: %w", err)
	}

	return &WatermarkWatcher{
		clipPath: abs,
		watcher:  fsw,
		events:   make(chan WatermarkEvent, 8),
	}, nil
}

// ClipPath 返回水印文件的绝对路径
func (w *WatermarkWatcher) ClipPath() string {
	return w.clipPath
}

// Events 返回水印变化事件；Run 退出后关闭
func (w *WatermarkWatcher) Events() <-chan WatermarkEvent {
	return w.events
}

// Run 阻塞直到 ctx 取消
func (w *WatermarkWatcher) Run(ctx context.Context) {
	defer close(w.events)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.clipPath {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			logger.Warn("水印文件已变化，已缓存的试听片段不会自动更新，需要手动清理派生文件",
				logger.String("path", w.clipPath),
				logger.String("op", ev.Op.String()))
			select {
			case w.events <- WatermarkEvent{Path: w.clipPath, Op: ev.Op}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("水印文件监听错误", logger.ErrorField(err))
		}
	}
}
