// Package repository provides a small generic gorm store for append and
// upsert style tables.
package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 200

type Store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) *Store[T] {
	return &Store[T]{db: db}
}

// WithTrx returns a store bound to tx.
func (s *Store[T]) WithTrx(tx *gorm.DB) *Store[T] {
	return &Store[T]{db: tx}
}

func (s *Store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s *Store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(resources, defaultBatchSize).Error
}

// Upsert inserts resource or, on a conflict over conflictColumns, updates
// updateColumns of the existing row.
func (s *Store[T]) Upsert(ctx context.Context, resource *T, conflictColumns []string, updateColumns []string) error {
	columns := make([]clause.Column, 0, len(conflictColumns))
	for _, name := range conflictColumns {
		columns = append(columns, clause.Column{Name: name})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(resource).Error
}

func (s *Store[T]) Count(ctx context.Context, query *T) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(new(T)).Where(query).Count(&count).Error
	return count, err
}
