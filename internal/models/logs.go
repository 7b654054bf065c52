package models

// SubsLogModel is the audit trail for subscription actions (subscribe,
// resend, confirm, unsubscribe). Writes are best-effort.
type SubsLogModel struct {
	Base
	Task    string `json:"task"    gorm:"index"`
	Email   string `json:"email"`
	TopicID string `json:"topicId" gorm:"index"`
	SubCode string `json:"subCode"`
	Found   bool   `json:"found"` // resend: whether a re-sendable row matched
}

func (SubsLogModel) TableName() string { return "subs_logs" }

// BulkLogModel records a bulk add/remove of emails on a topic.
type BulkLogModel struct {
	Base
	Task    string   `json:"task"`
	TopicID string   `json:"topicId" gorm:"index"`
	Emails  []string `json:"emails"  gorm:"type:longtext;serializer:json"`
}

func (BulkLogModel) TableName() string { return "bulk_logs" }

// NotifyBadEmailLogModel records a recipient the provider rejected as a bad
// address. These recipients are not retried; scheduled removal is a policy
// decision that has not been activated.
type NotifyBadEmailLogModel struct {
	Base
	SubCode string `json:"subCode"`
	Email   string `json:"email" gorm:"index"`
}

func (NotifyBadEmailLogModel) TableName() string { return "notify_bad_email_logs" }

// NotifyTooManyReqLogModel records a provider 429.
type NotifyTooManyReqLogModel struct {
	Base
	Email      string `json:"email"`
	SubCode    string `json:"subCode"`
	TemplateID string `json:"templateId"`
	Details    string `json:"details"`
}

func (NotifyTooManyReqLogModel) TableName() string { return "notify_too_many_req_logs" }

// NotifyLogModel records every other provider failure.
type NotifyLogModel struct {
	Base
	TemplateID string `json:"templateId"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Err        string `json:"err"`
	SubCode    string `json:"subCode"`
	MailingID  string `json:"mailingId"`
	BodySize   int    `json:"bodySize"` // serialized batch size, for payload-ceiling forensics
}

func (NotifyLogModel) TableName() string { return "notify_logs" }
