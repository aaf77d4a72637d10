// services/fleet/internal/backend/postgres.go
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Document is the persistence row for one path-keyed JSON document.
type Document struct {
	Key       string          `gorm:"primaryKey;size:512"`
	Value     json.RawMessage `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

// TableName overrides the table name used by GORM.
func (Document) TableName() string {
	return "fleet_documents"
}

// PostgresStore is a Store backed by a PostgreSQL jsonb table.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore creates a store on an open GORM connection.
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or updates the documents table.
func (s *PostgresStore) Migrate() error {
	return s.db.AutoMigrate(&Document{})
}

func (s *PostgresStore) Get(ctx context.Context, key string, out interface{}) error {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc.Value, out)
}

func (s *PostgresStore) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	doc := Document{Key: key, Value: raw, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&doc).Error
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn func(raw json.RawMessage) (interface{}, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		var current json.RawMessage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&doc, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Absent document; fn sees nil.
		case err != nil:
			return err
		default:
			current = doc.Value
		}

		value, err := fn(current)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}

		next := Document{Key: key, Value: raw, UpdatedAt: time.Now()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&next).Error
	})
}

func (s *PostgresStore) Query(ctx context.Context, prefix string) ([]KeyedDocument, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Order("key").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	out := make([]KeyedDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, KeyedDocument{Key: doc.Key, Value: doc.Value})
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&Document{}, "key = ?", key).Error
}
