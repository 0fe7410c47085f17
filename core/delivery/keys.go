package delivery

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"MuseGen/core/audio"
)

// DerivativeKey 派生文件 key，由母带 key 和生成参数唯一确定：
//
//	songs/x.wav  + 192k 全长       -> songs/x.mp3
//	songs/x.flac + 192k 全长       -> songs/x-flac.mp3（保留来源格式）
//	songs/x.mp3  + 192k 全长       -> songs/x-192k.mp3（不覆盖母带）
//	songs/x.wav  + 30s 试听 + 水印 -> songs/x-30s-preview.mp3
//
// 非默认码率会追加到 key 中。该约定一旦上线不可修改。
//
// 生成后端写入的母带都是 <uuid>.wav，同一目录下不同母带的派生 key 不会重叠。
// 手工放入的母带如果文件名本身带 -192k、-30s 这类后缀，可能和别的母带的派生 key 相同。
func DerivativeKey(masterKey string, spec TranscodeSpec) string {
	ext := path.Ext(masterKey)
	base := sourceBase(masterKey)
	bitrate := audio.NormalizeBitrate(spec.Bitrate)

	if spec.TrimSeconds > 0 {
		key := fmt.Sprintf("%s-%ds", base, spec.TrimSeconds)
		if bitrate != PreviewBitrate {
			key += "-" + bitrate
		}
		if spec.Watermark {
			key += "-preview"
		}
		return key + ".mp3"
	}
	if strings.EqualFold(ext, ".mp3") || bitrate != FullBitrate {
		return base + "-" + bitrate + ".mp3"
	}
	return base + ".mp3"
}

// sourceBase 去掉扩展名；wav 和 mp3 以外的格式把扩展名保留在 key 里
func sourceBase(masterKey string) string {
	ext := path.Ext(masterKey)
	base := strings.TrimSuffix(masterKey, ext)
	switch strings.ToLower(ext) {
	case "", ".wav", ".mp3":
		return base
	default:
		return base + "-" + strings.ToLower(strings.TrimPrefix(ext, "."))
	}
}

var derivativeSuffix = regexp.MustCompile(`(-\d+s(-\d+k)?(-preview)?|-\d+k)\.mp3$`)

// IsDerivativeKey 仅凭 key 判断是否为派生文件（带试听或码率后缀）
func IsDerivativeKey(key string) bool {
	return derivativeSuffix.MatchString(key)
}

// DerivativeKeys 从对象列表中挑出派生文件：
// 带派生后缀的 key，以及存在同名非 mp3 母带的 .mp3 文件
func DerivativeKeys(keys []string) []string {
	masters := make(map[string]bool)
	for _, k := range keys {
		ext := path.Ext(k)
		if ext != "" && !strings.EqualFold(ext, ".mp3") {
			masters[sourceBase(k)] = true
		}
	}

	var out []string
	for _, k := range keys {
		if !strings.EqualFold(path.Ext(k), ".mp3") {
			continue
		}
		if IsDerivativeKey(k) || masters[strings.TrimSuffix(k, path.Ext(k))] {
			out = append(out, k)
		}
	}
	return out
}
