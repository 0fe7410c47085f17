package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JobStep 生成任务的检查点。恢复时从最后一个完成的检查点继续。
type JobStep string

const (
	StepQueued         JobStep = "queued"
	StepCreditsChecked JobStep = "credits_checked"
	// StepDispatching 在调用生成后端之前写入；恢复时看到它说明调用结果未知，不能重发
	StepDispatching   JobStep = "dispatching"
	StepDispatched    JobStep = "dispatched"
	StepResultWritten JobStep = "result_written"
	StepCharged       JobStep = "charged"
	StepDone          JobStep = "done"
)

// JobOutcome 任务最终结果
type JobOutcome string

const (
	OutcomeNone      JobOutcome = ""
	OutcomeCompleted JobOutcome = "completed"
	OutcomeFailed    JobOutcome = "failed"
	OutcomeNoCredits JobOutcome = "no_credits"
)

// StringList 以 JSON 数组形式存储的字符串列表
type StringList []string

// Scan 实现 sql.Scanner 接口
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*s = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value 实现 driver.Valuer 接口
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// GenerationJob 一次编排执行的持久化状态行
type GenerationJob struct {
	ID     string `json:"id" gorm:"primaryKey;size:36"`
	SongID string `json:"songId" gorm:"size:36;index;not null"`
	UserID string `json:"userId" gorm:"size:36;index;not null"`

	Step    JobStep    `json:"step" gorm:"size:32;not null;default:'queued';index"`
	Outcome JobOutcome `json:"outcome" gorm:"size:20;index"`

	BackendStatus      int        `json:"backendStatus"`
	ResultMasterKey    string     `json:"resultMasterKey,omitempty" gorm:"size:767"`
	ResultThumbnailKey string     `json:"resultThumbnailKey,omitempty" gorm:"size:767"`
	ResultCategories   StringList `json:"resultCategories,omitempty" gorm:"type:text"`

	Error            string     `json:"error,omitempty" gorm:"type:text"`
	Attempts         int        `json:"attempts"`
	ChargedAt        *time.Time `json:"chargedAt,omitempty"`
	FailureHandledAt *time.Time `json:"failureHandledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"index"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// Finished 任务已经有了最终结果
func (j *GenerationJob) Finished() bool {
	return j.Outcome != OutcomeNone
}

// Clone 返回副本，内存实现和测试用来避免共享切片
func (j *GenerationJob) Clone() *GenerationJob {
	c := *j
	if j.ResultCategories != nil {
		c.ResultCategories = append(StringList(nil), j.ResultCategories...)
	}
	return &c
}
