// Package delivery decides which audio artifact a requester receives and
// resolves it to a time-limited URL, producing derivatives through the audio
// worker when they are not cached yet.
package delivery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound 歌曲不存在、无权访问或还没有母带
	ErrNotFound = errors.New("song not found or not accessible")
	// ErrUnsupportedTier 配置错误：未知的套餐等级
	ErrUnsupportedTier = errors.New("unsupported package tier")
)

// Tier 订阅套餐
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierCreator Tier = "creator"
)

// ParseTier 解析用户表里的套餐字段，空值按 free 处理
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TierFree, nil
	case TierFree, TierStarter, TierCreator:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTier, s)
	}
}

// Operation 播放或下载
type Operation string

const (
	OpPlay     Operation = "play"
	OpDownload Operation = "download"
)

// Task 音频 worker 的任务类型
type Task string

const (
	TaskConvertToMP3  Task = "CONVERT_TO_MP3"
	TaskCreatePreview Task = "CREATE_PREVIEW"
)

// 派生文件参数，改动会让已缓存的派生文件与 key 不一致
const (
	FullBitrate    = "192k"
	PreviewBitrate = "128k"
	PreviewSeconds = 30
)

// TranscodeSpec 派生文件的生成参数
type TranscodeSpec struct {
	Task        Task
	Bitrate     string
	TrimSeconds int
	Watermark   bool
}

// DeliveryPlan 交付计划。Transcode 为 nil 时直接交付母带。
type DeliveryPlan struct {
	SourceKey     string
	DerivativeKey string
	Transcode     *TranscodeSpec
}

// IsOriginal 是否直接交付母带
func (p DeliveryPlan) IsOriginal() bool {
	return p.Transcode == nil
}

// DeliveredKey 最终交付的对象 key
func (p DeliveryPlan) DeliveredKey() string {
	if p.IsOriginal() {
		return p.SourceKey
	}
	return p.DerivativeKey
}

var (
	fullMP3 = TranscodeSpec{Task: TaskConvertToMP3, Bitrate: FullBitrate}
	preview = TranscodeSpec{Task: TaskCreatePreview, Bitrate: PreviewBitrate, TrimSeconds: PreviewSeconds, Watermark: true}
)

// Plan 根据套餐、所有权和操作决定交付哪个文件。纯函数，不访问存储。
//
//	creator  任意        播放/下载  母带
//	starter  所有者      播放/下载  母带
//	starter  非所有者    播放/下载  MP3 192k 全长
//	free     所有者      下载       MP3 192k 全长
//	free     其他情况               试听 MP3 128k 前 30 秒 + 水印
func Plan(op Operation, requesterIsOwner bool, tier Tier, masterKey string) (DeliveryPlan, error) {
	if op != OpPlay && op != OpDownload {
		return DeliveryPlan{}, fmt.Errorf("unknown operation %q", op)
	}
	switch tier {
	case TierCreator, TierStarter, TierFree:
	default:
		return DeliveryPlan{}, fmt.Errorf("%w: %q", ErrUnsupportedTier, tier)
	}
	if strings.TrimSpace(masterKey) == "" {
		return DeliveryPlan{}, ErrNotFound
	}

	var spec *TranscodeSpec
	switch {
	case tier == TierCreator:
	case tier == TierStarter && requesterIsOwner:
	case tier == TierStarter:
		s := fullMP3
		spec = &s
	case requesterIsOwner && op == OpDownload:
		s := fullMP3
		spec = &s
	default:
		s := preview
		spec = &s
	}

	plan := DeliveryPlan{SourceKey: masterKey, Transcode: spec}
	if spec != nil {
		plan.DerivativeKey = DerivativeKey(masterKey, *spec)
	}
	return plan, nil
}
