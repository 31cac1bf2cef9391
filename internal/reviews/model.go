package reviews

import "time"

// Review statuses. Owner listings default to visible reviews.
const (
	StatusVisible = "visible"
	StatusHidden  = "hidden"
)

// Review is one anonymous submission against a log.
type Review struct {
	ReviewID     string    `gorm:"column:review_id;primaryKey;size:36;not null"`
	LogID        string    `gorm:"column:log_id;size:36;not null;index:idx_reviews_rate,priority:1;index:idx_reviews_listing,priority:1"`
	ReviewerName string    `gorm:"column:reviewer_name;size:200"`
	IPAddress    string    `gorm:"column:ip_address;size:64;not null;index:idx_reviews_rate,priority:2"`
	SubmittedAt  time.Time `gorm:"column:submitted_at;not null;index:idx_reviews_rate,priority:3;index:idx_reviews_listing,priority:3"`
	Status       string    `gorm:"column:status;size:16;not null;default:visible;index:idx_reviews_listing,priority:2"`
}

// TableName exposes the table backing reviews.
func (Review) TableName() string {
	return "reviews"
}

// ReviewFieldValue is the stored answer to one field of a review.
type ReviewFieldValue struct {
	ValueID    uint   `gorm:"column:value_id;primaryKey;autoIncrement"`
	ReviewID   string `gorm:"column:review_id;size:36;not null;index"`
	FieldName  string `gorm:"column:field_name;size:64;not null"`
	FieldValue string `gorm:"column:field_value;type:text"`
	FileURL    string `gorm:"column:file_url;type:text"`
}

// TableName exposes the table backing review field values.
func (ReviewFieldValue) TableName() string {
	return "review_field_values"
}

// FieldValue is the read model of a stored answer.
type FieldValue struct {
	FieldName  string `json:"field_name"`
	FieldValue string `json:"field_value"`
	FileURL    string `json:"file_url,omitempty"`
}

// ReviewView is what owners see. The submitter's address is never exposed.
type ReviewView struct {
	ReviewID     string       `json:"review_id"`
	LogID        string       `json:"log_id"`
	ReviewerName string       `json:"reviewer_name"`
	SubmittedAt  time.Time    `json:"submitted_at"`
	Status       string       `json:"status"`
	Fields       []FieldValue `json:"field_values"`
}
