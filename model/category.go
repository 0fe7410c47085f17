package model

// Category 生成后端返回的风格标签，按名称唯一
type Category struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"size:100;uniqueIndex;not null"`
}

// TableName 指定表名
func (Category) TableName() string {
	return "categories"
}
