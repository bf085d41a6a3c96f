package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// SeedDefaults inserts the built-in plans when the table is empty.
func (r *PlanRepository) SeedDefaults() error {
	var count int64
	if err := r.db.Model(&model.Plan{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count plans failed: %w", err)
	}
	if count > 0 {
		return nil
	}
	plans := model.DefaultPlans()
	if err := r.db.Create(&plans).Error; err != nil {
		return fmt.Errorf("seed plans failed: %w", err)
	}
	return nil
}

func (r *PlanRepository) GetByName(name string) (*model.Plan, error) {
	var plan model.Plan
	if err := r.db.Where("name = ?", name).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan failed: %w", err)
	}
	return &plan, nil
}

func (r *PlanRepository) GetByID(id uint) (*model.Plan, error) {
	var plan model.Plan
	if err := r.db.First(&plan, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan failed: %w", err)
	}
	return &plan, nil
}
