package model

import (
	"time"
)

// ProviderConfig stores per-gateway state that outlives a process: the last
// issued access token and any identifier returned by one-time setup calls.
type ProviderConfig struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Gateway        string     `gorm:"type:varchar(20);uniqueIndex;not null" json:"gateway"`
	AccessToken    string     `gorm:"type:text" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CallbackID     string     `gorm:"type:varchar(128)" json:"callback_id,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProviderConfig) TableName() string {
	return "provider_config"
}
