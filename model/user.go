package model

import "time"

// User 只包含核心流程需要读写的字段，注册登录由外部身份服务负责
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Credits   int       `json:"credits" gorm:"not null;default:0"`
	Package   string    `json:"package" gorm:"size:20;default:'free'"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
