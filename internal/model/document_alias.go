package model

import "time"

// DocumentAlias records another filename uploaded with identical bytes.
type DocumentAlias struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Fingerprint string    `gorm:"size:128;not null;uniqueIndex:idx_alias" json:"fingerprint"`
	Filename    string    `gorm:"size:256;not null;uniqueIndex:idx_alias" json:"filename"`
	CreatedAt   time.Time `json:"created_at"`
}
