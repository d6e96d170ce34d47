package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gopherrag/internal/model"
)

// DocumentRepository is the registry of ingested fingerprints. The vector
// store stays the source of truth for chunks; rows here are bookkeeping.
type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) AutoMigrate() error {
	if err := r.db.AutoMigrate(&model.Document{}, &model.DocumentAlias{}); err != nil {
		return fmt.Errorf("auto migrate document tables failed: %w", err)
	}
	return nil
}

// Upsert inserts the document or refreshes the row for its fingerprint.
func (r *DocumentRepository) Upsert(doc *model.Document) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"filename", "title", "extension", "strategy", "chunks_indexed",
			"tables_found", "page_count", "degraded", "tags", "updated_at",
		}),
	}).Create(doc).Error
	if err != nil {
		return fmt.Errorf("upsert document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByFingerprint(fingerprint string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Preload("Aliases").Where("fingerprint = ?", fingerprint).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) List(limit, offset int) ([]model.Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var list []model.Document
	if err := r.db.Preload("Aliases").Order("updated_at DESC").Limit(limit).Offset(offset).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

// AddAlias records filename for fingerprint; an existing pair is left alone.
func (r *DocumentRepository) AddAlias(fingerprint, filename string) error {
	alias := model.DocumentAlias{Fingerprint: fingerprint, Filename: filename}
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&alias).Error; err != nil {
		return fmt.Errorf("add document alias failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) DeleteByFingerprint(fingerprint string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("fingerprint = ?", fingerprint).Delete(&model.DocumentAlias{}).Error; err != nil {
			return fmt.Errorf("delete document aliases failed: %w", err)
		}
		if err := tx.Where("fingerprint = ?", fingerprint).Delete(&model.Document{}).Error; err != nil {
			return fmt.Errorf("delete document failed: %w", err)
		}
		return nil
	})
}
