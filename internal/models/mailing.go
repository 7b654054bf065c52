package models

import "time"

// MailingState is the lifecycle state of an operator-authored bulk mailing.
type MailingState string

const (
	MailingDraft     MailingState = "draft"
	MailingCompleted MailingState = "completed" // submitted for approval
	MailingApproved  MailingState = "approved"
	MailingSending   MailingState = "sending"
	MailingSent      MailingState = "sent"
	MailingCancelled MailingState = "cancelled"
)

// MailingHistoryEntry is one state transition embedded on the mailing row.
// The embedded list is capped at the last MailingHistoryCap entries; the full
// trail lives in mailing_histories.
type MailingHistoryEntry struct {
	HistoryID string       `json:"historyId,omitempty"`
	State     MailingState `json:"state"`
	Comments  string       `json:"comments,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// MailingHistoryCap bounds the embedded history list.
const MailingHistoryCap = 7

// MailingModel is a bulk message tied to a topic, moving through an
// approval/send workflow.
type MailingModel struct {
	Base
	TopicID string                `json:"topicId" gorm:"type:varchar(191);index;not null"`
	Title   string                `json:"title"   gorm:"not null"`
	Subject string                `json:"subject"`
	Body    string                `json:"body"    gorm:"type:longtext"`
	State   MailingState          `json:"state"   gorm:"type:varchar(32);index;default:draft"`
	History []MailingHistoryEntry `json:"history" gorm:"type:longtext;serializer:json"`
}

func (MailingModel) TableName() string { return "mailings" }

// MailingHistoryModel is the append-only transition log.
type MailingHistoryModel struct {
	Base
	MailingID string       `json:"mailingId" gorm:"type:char(36);index;not null"`
	State     MailingState `json:"state"     gorm:"type:varchar(32)"`
	Comments  string       `json:"comments"`
}

func (MailingHistoryModel) TableName() string { return "mailing_histories" }
