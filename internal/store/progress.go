package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Progress interface {
	Upsert(ctx context.Context, snapshot model.ProgressSnapshot) error
	Get(ctx context.Context, jobID uuid.UUID) (*model.ProgressSnapshot, error)
}

type ProgressStore struct {
	db *gorm.DB
}

var _ Progress = (*ProgressStore)(nil)

func NewProgressStore(db *gorm.DB) Progress {
	return &ProgressStore{db: db}
}

func (p *ProgressStore) Upsert(ctx context.Context, snapshot model.ProgressSnapshot) error {
	result := getDB(ctx, p.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(&snapshot)
	if result.Error != nil {
		return fmt.Errorf("upserting progress: %w", result.Error)
	}
	return nil
}

func (p *ProgressStore) Get(ctx context.Context, jobID uuid.UUID) (*model.ProgressSnapshot, error) {
	var snapshot model.ProgressSnapshot
	result := getDB(ctx, p.db).First(&snapshot, "job_id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &snapshot, nil
}
