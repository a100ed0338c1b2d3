package store

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tradelab/paramopt/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	Progress() Progress
	InitialMigration(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db       *gorm.DB
	log      logrus.FieldLogger
	job      Job
	progress Progress
}

func NewStore(db *gorm.DB) Store {
	log := logrus.StandardLogger().WithField("pkg", "store")
	return &DataStore{
		db:       db,
		log:      log,
		job:      NewJobStore(db, log),
		progress: NewProgressStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db, s.log)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Progress() Progress {
	return s.progress
}

// InitialMigration creates the tables from the models. Production databases are
// migrated with the SQL files instead, see the migrate command.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Job{},
		&model.JobEvent{},
		&model.ProgressSnapshot{},
	)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func getDB(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx := FromContext(ctx); tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
