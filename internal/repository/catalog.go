package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"regionvpn-bot/internal/models"
)

// SyncCatalog makes the configured plans and packages the offered catalog.
// Rows missing from the configuration are retired rather than deleted so
// historical subscriptions still resolve.
func (r *Repository) SyncCatalog(ctx context.Context, plans []models.DurationPlan, packages []models.RegionPackage) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		planIDs := make([]string, 0, len(plans))
		for i := range plans {
			plans[i].Active = true
			planIDs = append(planIDs, plans[i].ID)
		}
		if len(plans) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&plans).Error; err != nil {
				return fmt.Errorf("sync plans: %w", err)
			}
		}
		if err := retire(tx, &models.DurationPlan{}, planIDs); err != nil {
			return fmt.Errorf("retire plans: %w", err)
		}

		packageIDs := make([]string, 0, len(packages))
		for i := range packages {
			packages[i].Active = true
			packageIDs = append(packageIDs, packages[i].ID)
		}
		if len(packages) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&packages).Error; err != nil {
				return fmt.Errorf("sync packages: %w", err)
			}
		}
		if err := retire(tx, &models.RegionPackage{}, packageIDs); err != nil {
			return fmt.Errorf("retire packages: %w", err)
		}
		return nil
	})
}

func retire(tx *gorm.DB, model any, keep []string) error {
	q := tx.Model(model).Where("active = ?", true)
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}
	return q.Update("active", false).Error
}

// OfferedPlan looks a plan up by id within the current catalog.
func (r *Repository) OfferedPlan(ctx context.Context, id string) (models.DurationPlan, error) {
	var plan models.DurationPlan
	if err := r.conn(ctx).Where("id = ? AND active = ?", id, true).Take(&plan).Error; err != nil {
		return models.DurationPlan{}, notFound(err, "plan %q", id)
	}
	return plan, nil
}

// Plans returns the plans with the given ids, or every offered plan when ids
// is empty.
func (r *Repository) Plans(ctx context.Context, ids ...string) ([]models.DurationPlan, error) {
	var plans []models.DurationPlan
	q := r.conn(ctx).Order("sort_order, id")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	} else {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// Package looks a package up by id, retired or not.
func (r *Repository) Package(ctx context.Context, id string) (models.RegionPackage, error) {
	var pkg models.RegionPackage
	if err := r.conn(ctx).Where("id = ?", id).Take(&pkg).Error; err != nil {
		return models.RegionPackage{}, notFound(err, "package %q", id)
	}
	return pkg, nil
}

func (r *Repository) OfferedPackage(ctx context.Context, id string) (models.RegionPackage, error) {
	var pkg models.RegionPackage
	if err := r.conn(ctx).Where("id = ? AND active = ?", id, true).Take(&pkg).Error; err != nil {
		return models.RegionPackage{}, notFound(err, "package %q", id)
	}
	return pkg, nil
}

func (r *Repository) Packages(ctx context.Context, ids ...string) ([]models.RegionPackage, error) {
	var packages []models.RegionPackage
	q := r.conn(ctx).Order("sort_order, id")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	} else {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&packages).Error; err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return packages, nil
}
