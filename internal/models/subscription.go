package models

import "time"

// SubExistModel is the uniqueness guard for one (email, topic) subscribe
// pipeline. Inserting it is the atomic "is this pair already in flight" test:
// a duplicate-key error means subscribed-or-pending. Its generated ID doubles
// as the confirmation code, so no second coordination point is needed.
type SubExistModel struct {
	Base
	Email   string `json:"email"   gorm:"type:varchar(191);uniqueIndex:idx_sub_exist;not null"`
	TopicID string `json:"topicId" gorm:"type:varchar(191);uniqueIndex:idx_sub_exist;not null"`
}

func (SubExistModel) TableName() string { return "subs_exist" }

// SubUnconfirmedModel is a pending subscription awaiting email confirmation.
// Topic template/key/URL are captured at subscribe time so a resend or a late
// confirm does not depend on the topic row still being intact.
type SubUnconfirmedModel struct {
	Base
	Email      string    `json:"email"      gorm:"type:varchar(191);index;not null"`
	TopicID    string    `json:"topicId"    gorm:"type:varchar(191);index;not null"`
	SubCode    string    `json:"-"          gorm:"type:char(36);uniqueIndex;not null"`
	NotBefore  time.Time `json:"notBefore"`
	TemplateID string    `json:"-"`
	NotifyKey  string    `json:"-"`
	ConfirmURL string    `json:"-"`
}

func (SubUnconfirmedModel) TableName() string { return "subs_unconfirmed" }

// SubConfirmedModel is an active subscription. SubCode is the durable,
// unguessable unsubscribe token.
type SubConfirmedModel struct {
	Base
	Email     string    `json:"email"     gorm:"type:varchar(191);index;not null"`
	TopicID   string    `json:"topicId"   gorm:"type:varchar(191);index;not null"`
	SubCode   string    `json:"-"         gorm:"type:char(36);uniqueIndex;not null"`
	ConfirmAt time.Time `json:"confirmAt"`
}

func (SubConfirmedModel) TableName() string { return "subs_confirmed" }

// SubRecentModel remembers the last confirm/unsubscribe outcome for a code so
// a replayed link redirects to the same place instead of an error page. Rows
// are purged after seven days.
type SubRecentModel struct {
	SubCode   string    `json:"subCode" gorm:"type:char(36);primaryKey"`
	Email     string    `json:"email"`
	TopicID   string    `json:"topicId"`
	Link      string    `json:"link"`
	MustSub   bool      `json:"mustSub"` // a replayed confirm must re-create the confirmed row
	CreatedAt time.Time `json:"created"`
}

func (SubRecentModel) TableName() string { return "subs_recents" }

// SubCodeConversionModel maps a pre-migration subscription code to its
// replacement. Read only by the legacy-code shim.
type SubCodeConversionModel struct {
	OldCode string `gorm:"type:varchar(191);primaryKey"`
	NewCode string `gorm:"type:char(36);not null"`
	Email   string
	TopicID string
}

func (SubCodeConversionModel) TableName() string { return "subs_code_conversions" }
