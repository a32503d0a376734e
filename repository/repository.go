package repository

import (
	"errors"
	"fmt"

	"github.com/cepro/phasematch/telemetry"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrRunNotFound is returned when no capture run matches the query.
var ErrRunNotFound = errors.New("capture run not found")

// insertBatchSize bounds the number of rows per INSERT when saving a run.
const insertBatchSize = 200

// Repository stores capture runs on the local file system (sqlite) so that they can be replayed later.
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredRun{}, &StoredRegister{}, &StoredMeasurement{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun persists the whole capture run in one transaction.
func (r *Repository) SaveRun(run telemetry.CaptureRun) error {
	stored, registers, measurements := flattenRun(run)

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&stored).Error; err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if len(registers) > 0 {
			if err := tx.CreateInBatches(&registers, insertBatchSize).Error; err != nil {
				return fmt.Errorf("create registers: %w", err)
			}
		}
		if len(measurements) > 0 {
			if err := tx.CreateInBatches(&measurements, insertBatchSize).Error; err != nil {
				return fmt.Errorf("create measurements: %w", err)
			}
		}
		return nil
	})
}

// GetRun loads the capture run with the given ID.
func (r *Repository) GetRun(id uuid.UUID) (telemetry.CaptureRun, error) {
	var stored StoredRun
	result := r.db.Where("id = ?", id).Limit(1).Find(&stored)
	if result.Error != nil {
		return telemetry.CaptureRun{}, result.Error
	}
	if result.RowsAffected == 0 {
		return telemetry.CaptureRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r.loadRun(stored)
}

// LatestRun loads the most recent capture run of the given device.
func (r *Repository) LatestRun(device string) (telemetry.CaptureRun, error) {
	var stored StoredRun
	result := r.db.Where("device = ?", device).Order("time desc").Limit(1).Find(&stored)
	if result.Error != nil {
		return telemetry.CaptureRun{}, result.Error
	}
	if result.RowsAffected == 0 {
		return telemetry.CaptureRun{}, fmt.Errorf("%w: device %s", ErrRunNotFound, device)
	}
	return r.loadRun(stored)
}

// ListRuns returns the headers of the most recent runs, newest first.
func (r *Repository) ListRuns(limit int) ([]StoredRun, error) {
	var runs []StoredRun
	result := r.db.Order("time desc").Limit(limit).Find(&runs)
	if result.Error != nil {
		return nil, result.Error
	}
	return runs, nil
}

func (r *Repository) loadRun(stored StoredRun) (telemetry.CaptureRun, error) {
	var registers []StoredRegister
	result := r.db.Where("run_id = ?", stored.ID).Order("rotation asc, total asc, position asc").Find(&registers)
	if result.Error != nil {
		return telemetry.CaptureRun{}, fmt.Errorf("query registers: %w", result.Error)
	}

	var measurements []StoredMeasurement
	result = r.db.Where("run_id = ?", stored.ID).Order("rotation asc, sample_index asc, channel asc").Find(&measurements)
	if result.Error != nil {
		return telemetry.CaptureRun{}, fmt.Errorf("query measurements: %w", result.Error)
	}

	return assembleRun(stored, registers, measurements), nil
}
