package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/storefront/backend/internal/domain/document"
)

// DocumentModel is the row form of a document. Fields are stored as JSON text
// so the same schema works on SQLite and PostgreSQL.
type DocumentModel struct {
	Collection string    `gorm:"type:varchar(100);primaryKey"`
	ID         string    `gorm:"type:varchar(255);primaryKey"`
	Data       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (DocumentModel) TableName() string {
	return "documents"
}

// CollectionVersionModel counts committed writes per collection. Listeners
// compare versions to find out whether a collection changed.
type CollectionVersionModel struct {
	Collection string `gorm:"type:varchar(100);primaryKey"`
	Version    int64  `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// TableName returns the table name for GORM
func (CollectionVersionModel) TableName() string {
	return "collection_versions"
}

func toModel(collection string, doc document.Document) (DocumentModel, error) {
	fields := doc.Fields
	if fields == nil {
		fields = document.Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return DocumentModel{}, fmt.Errorf("encode document %s/%s: %w", collection, doc.ID, err)
	}
	return DocumentModel{
		Collection: collection,
		ID:         doc.ID,
		Data:       string(data),
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}, nil
}

func (m DocumentModel) toDocument() (document.Document, error) {
	var fields document.Fields
	if err := json.Unmarshal([]byte(m.Data), &fields); err != nil {
		return document.Document{}, fmt.Errorf("decode document %s/%s: %w", m.Collection, m.ID, err)
	}
	return document.Document{
		ID:        m.ID,
		Fields:    fields,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}, nil
}
