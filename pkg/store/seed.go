package store

import (
	"context"
	"fmt"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"gorm.io/gorm"
)

// SeedCatalog upserts catalog reviewers and scenarios by name and replaces
// each seeded scenario's reviewer associations. Definitions not present in
// the catalog are left untouched so historical runs keep their references.
func (s *store) SeedCatalog(ctx context.Context, catalog *config.Catalog) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reviewerIDs := make(map[string]string, len(catalog.Reviewers))

		for _, r := range catalog.Reviewers {
			reviewer := Reviewer{Name: r.Name}

			if err := tx.Where("name = ?", r.Name).
				Assign(map[string]any{
					"dimension":       r.Dimension,
					"description":     r.Description,
					"prompt":          r.Prompt,
					"weight":          r.Weight,
					"llm_temperature": r.LLMTemperature,
					"run_count":       r.RunCount,
				}).
				FirstOrCreate(&reviewer).Error; err != nil {
				return fmt.Errorf("seeding reviewer %q: %w", r.Name, err)
			}

			reviewerIDs[r.Name] = reviewer.ID
		}

		for _, sc := range catalog.Scenarios {
			scenario := Scenario{Name: sc.Name}

			if err := tx.Where("name = ?", sc.Name).
				Assign(map[string]any{
					"description":     sc.Description,
					"prompt":          sc.Prompt,
					"llm_temperature": sc.LLMTemperature,
					"timeout_seconds": sc.TimeoutSeconds,
				}).
				FirstOrCreate(&scenario).Error; err != nil {
				return fmt.Errorf("seeding scenario %q: %w", sc.Name, err)
			}

			if err := tx.Where("scenario_id = ?", scenario.ID).
				Delete(&ScenarioReviewer{}).Error; err != nil {
				return fmt.Errorf("clearing reviewers of %q: %w", sc.Name, err)
			}

			for _, name := range sc.Reviewers {
				link := ScenarioReviewer{
					ScenarioID: scenario.ID,
					ReviewerID: reviewerIDs[name],
				}

				if err := tx.Create(&link).Error; err != nil {
					return fmt.Errorf(
						"attaching reviewer %q to %q: %w", name, sc.Name, err,
					)
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("scenarios", len(catalog.Scenarios)).
		WithField("reviewers", len(catalog.Reviewers)).
		Info("Seeded catalog")

	return nil
}
