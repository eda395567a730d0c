package model

import "time"

// AccountBilling represents the account_billing table. CallsResetAt is the reset cursor.
type AccountBilling struct {
	AccountID string `json:"account_id" gorm:"column:account_id;primaryKey"`
	// LocationID is the provider location the account's calls are filed under.
	LocationID string `json:"location_id" gorm:"column:location_id"`
	// CallsResetAt marks the start of the currently billed period; nil when never reset.
	CallsResetAt *time.Time `json:"calls_reset_at" gorm:"column:calls_reset_at"`
	CreatedAt    time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AccountBilling) TableName() string {
	return "account_billing"
}

// ProviderCredential holds the provider OAuth token pair for an account.
type ProviderCredential struct {
	AccountID    string    `json:"account_id" gorm:"column:account_id;primaryKey"`
	AccessToken  string    `json:"-" gorm:"column:access_token"`
	RefreshToken string    `json:"-" gorm:"column:refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" gorm:"column:expires_at"`
	// Version is bumped on every token write and used as an optimistic check.
	Version   int64     `json:"version" gorm:"column:version;default:0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (ProviderCredential) TableName() string {
	return "provider_credentials"
}

// DateRange is a closed [Start, End] window; zero values mean unbounded.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether t falls within the window.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}
