package models

import "time"

// TopicModel is a subscription channel with its own notification templates,
// API key and redirect URLs. The ID is the human-readable topic identifier.
type TopicModel struct {
	ID        string    `json:"id"        gorm:"type:varchar(191);primaryKey"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`

	// Provider template for the confirmation email.
	TemplateID string `json:"templateId"        gorm:"not null"`
	// Provider template for bulk mailings.
	MailingTemplateID string `json:"mailingTemplateId"`
	// Provider API key used for every send on this topic.
	NotifyKey string `json:"-" gorm:"not null"`

	// ConfirmURL is the page shown when a subscription is confirmed;
	// ThankURL the "check your email" page shown right after the subscribe
	// form; UnsubURL the goodbye page after an unsubscribe.
	ConfirmURL  string `json:"confirmUrl"`
	UnsubURL    string `json:"unsubUrl"`
	ThankURL    string `json:"thankUrl"`
	FailURL     string `json:"failUrl"`
	InputErrURL string `json:"inputErrUrl"`

	AccessCodes []string `json:"-" gorm:"type:longtext;serializer:json"`
	Approvers   []string `json:"-" gorm:"type:longtext;serializer:json"`
}

func (TopicModel) TableName() string { return "topics" }

// TopicAccessLogModel records every granted or denied manager access attempt.
type TopicAccessLogModel struct {
	Base
	TopicID    string `json:"topicId"    gorm:"index"`
	AccessCode string `json:"accessCode"`
	Task       string `json:"task"`
	Granted    bool   `json:"granted"`
}

func (TopicAccessLogModel) TableName() string { return "topic_access_logs" }
