package model

import (
	"errors"
	"strings"
	"time"
)

// SongStatus 歌曲生成状态
type SongStatus string

const (
	SongStatusQueued     SongStatus = "queued"
	SongStatusProcessing SongStatus = "processing"
	SongStatusCompleted  SongStatus = "completed"
	SongStatusFailed     SongStatus = "failed"
	SongStatusNoCredits  SongStatus = "no_credits"
)

// Terminal 是否为终态
func (s SongStatus) Terminal() bool {
	switch s {
	case SongStatusCompleted, SongStatusFailed, SongStatusNoCredits:
		return true
	}
	return false
}

// InputMode 生成请求的输入组合
type InputMode string

const (
	InputFullDescription InputMode = "full_description"
	InputCustomLyrics    InputMode = "custom_lyrics"
	InputDescribedLyrics InputMode = "described_lyrics"
)

// ErrInvalidInput 输入组合为零个或多个
var ErrInvalidInput = errors.New("song input must set exactly one of: full description, prompt+lyrics, prompt+described lyrics")

// Song represents one generation request and its result.
type Song struct {
	ID     string `json:"id" gorm:"primaryKey;size:36"`
	UserID string `json:"userId" gorm:"size:36;index;not null"`
	Title  string `json:"title" gorm:"size:255"`

	FullDescribedSong *string `json:"fullDescribedSong,omitempty" gorm:"type:text"`
	Prompt            *string `json:"prompt,omitempty" gorm:"type:text"`
	Lyrics            *string `json:"lyrics,omitempty" gorm:"type:text"`
	DescribedLyrics   *string `json:"describedLyrics,omitempty" gorm:"type:text"`

	GuidanceScale *float64 `json:"guidanceScale,omitempty"`
	InferSteps    *int     `json:"inferSteps,omitempty"`
	AudioDuration *float64 `json:"audioDuration,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Instrumental  *bool    `json:"instrumental,omitempty"`

	MasterKey    *string    `json:"-" gorm:"size:767"` // 原始母带对象 key，只有成功后才写入
	ThumbnailKey *string    `json:"thumbnailKey,omitempty" gorm:"size:767"`
	Status       SongStatus `json:"status" gorm:"size:20;default:'queued';index"`
	Published    bool       `json:"published" gorm:"default:false"`
	ListenCount  int64      `json:"listenCount" gorm:"default:0"`

	Categories []Category `json:"categories,omitempty" gorm:"many2many:song_categories;"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Song) TableName() string {
	return "songs"
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// InputMode 返回唯一的输入组合，按优先级判断：完整描述 > 提示词+歌词 > 提示词+歌词描述。
// 同时设置多个组合或一个都没有时返回 ErrInvalidInput。
func (s *Song) InputMode() (InputMode, error) {
	full := present(s.FullDescribedSong)
	lyrics := present(s.Prompt) && present(s.Lyrics)
	described := present(s.Prompt) && present(s.DescribedLyrics)

	n := 0
	for _, set := range []bool{full, lyrics, described} {
		if set {
			n++
		}
	}
	if n != 1 {
		return "", ErrInvalidInput
	}

	switch {
	case full:
		return InputFullDescription, nil
	case lyrics:
		return InputCustomLyrics, nil
	default:
		return InputDescribedLyrics, nil
	}
}

// HasMaster 母带是否已经写入
func (s *Song) HasMaster() bool {
	return present(s.MasterKey)
}

// Deliverable 已完成且有母带，只有这种歌曲可以播放或下载
func (s *Song) Deliverable() bool {
	return s.Status == SongStatusCompleted && s.HasMaster()
}

// AccessibleBy 所有者或已发布
func (s *Song) AccessibleBy(userID string) bool {
	return s.UserID == userID || s.Published
}
