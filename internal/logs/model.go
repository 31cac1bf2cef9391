package logs

import "time"

// ReviewerNameField is the field whose answer becomes a review's reviewer
// name. Any casing of it is stored in this form.
const ReviewerNameField = "name"

// Log statuses. Only active logs accept submissions or serve their form.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Log is an owner's feedback form.
type Log struct {
	LogID        string     `gorm:"column:log_id;primaryKey;size:36;not null" json:"log_id"`
	UserID       string     `gorm:"column:user_id;size:128;not null;index" json:"user_id"`
	Title        string     `gorm:"column:title;size:200;not null" json:"title"`
	Description  string     `gorm:"column:description;type:text" json:"description"`
	Status       string     `gorm:"column:status;size:16;not null;default:active;index" json:"status"`
	QRCodeURL    string     `gorm:"column:qr_code_url;type:text" json:"qr_code_url"`
	TotalReviews int64      `gorm:"column:total_reviews;not null;default:0" json:"total_reviews"`
	LastReviewAt *time.Time `gorm:"column:last_review_at" json:"last_review_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the table backing logs.
func (Log) TableName() string {
	return "logs"
}

// LogField is one configured input of a log's form.
type LogField struct {
	FieldID      uint      `gorm:"column:field_id;primaryKey;autoIncrement" json:"field_id"`
	LogID        string    `gorm:"column:log_id;size:36;not null;index" json:"log_id"`
	FieldName    string    `gorm:"column:field_name;size:64;not null" json:"field_name"`
	FieldType    FieldKind `gorm:"column:field_type;size:16;not null" json:"field_type"`
	IsEnabled    bool      `gorm:"column:is_enabled;not null" json:"is_enabled"`
	IsRequired   bool      `gorm:"column:is_required;not null" json:"is_required"`
	DisplayOrder int       `gorm:"column:display_order;not null" json:"display_order"`
}

// TableName exposes the table backing log fields.
func (LogField) TableName() string {
	return "log_fields"
}

// ConfigField is the public rendering contract of an enabled field.
type ConfigField struct {
	Name         string    `json:"name"`
	Kind         FieldKind `json:"field_type"`
	InputType    string    `json:"input_type"`
	Required     bool      `json:"required"`
	DisplayOrder int       `json:"display_order"`
}

// Config is the active form served to anonymous visitors.
type Config struct {
	LogID       string        `json:"log_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	QRCodeURL   string        `json:"qr_code_url"`
	Fields      []ConfigField `json:"fields"`
}

// Field returns the configured field with the given name.
func (c Config) Field(name string) (ConfigField, bool) {
	for _, field := range c.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return ConfigField{}, false
}
