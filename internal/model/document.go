package model

import "time"

// Document is the registry row for one ingested content fingerprint.
type Document struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Fingerprint   string    `gorm:"size:128;not null;uniqueIndex" json:"fingerprint"`
	Filename      string    `gorm:"size:256;not null" json:"filename"`
	Title         string    `gorm:"size:256" json:"title"`
	Extension     string    `gorm:"size:16" json:"extension"`
	Strategy      string    `gorm:"size:16" json:"strategy"`
	ChunksIndexed int       `gorm:"not null" json:"chunks_indexed"`
	TablesFound   int       `gorm:"not null" json:"tables_found"`
	PageCount     int       `json:"page_count"`
	Degraded      bool      `json:"degraded"`
	Tags          string    `gorm:"size:512" json:"tags"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Aliases []DocumentAlias `gorm:"foreignKey:Fingerprint;references:Fingerprint" json:"aliases,omitempty"`
}
