package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

// Encrypter seals plaintext tokens before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Result counts the records written per kind.
type Result struct {
	Applications int
	TestData     int
	FlowSteps    int
	Flows        int
	FlowGroups   int
}

type Seeder struct {
	store     persistence.Persistence
	encrypter Encrypter
	logger    *slog.Logger
}

func NewSeeder(store persistence.Persistence, encrypter Encrypter, logger *slog.Logger) *Seeder {
	return &Seeder{store: store, encrypter: encrypter, logger: logger.With("module", "seed")}
}

// Apply writes the catalog in dependency order. References may point at records of the same catalog
// or at records that already exist in the store.
func (s *Seeder) Apply(ctx context.Context, catalog *Catalog) (Result, error) {
	var result Result

	for _, entry := range catalog.Applications {
		token, err := s.encrypter.Encrypt(entry.Token)
		if err != nil {
			return result, fmt.Errorf("failed to encrypt token of application %d: %w", entry.ID, err)
		}

		application := &models.Application{
			ID:                  entry.ID,
			Name:                entry.Name,
			Description:         entry.Description,
			GitlabProjectID:     entry.GitlabProjectID,
			PersonalAccessToken: token,
			TokenStatus:         models.TokenStatusActive,
		}

		if existing, err := s.store.Applications().GetByID(ctx, entry.ID); err == nil {
			application.CreatedAt = existing.CreatedAt
		}

		if err := s.store.Applications().Save(ctx, application); err != nil {
			return result, err
		}

		result.Applications++
	}

	for _, entry := range catalog.TestData {
		if entry.ApplicationID != 0 {
			if err := s.exists(ctx, "application", entry.ApplicationID); err != nil {
				return result, fmt.Errorf("test data %d: %w", entry.ID, err)
			}
		}

		testData := &models.TestData{
			ID:            entry.ID,
			ApplicationID: entry.ApplicationID,
			Category:      entry.Category,
			Description:   entry.Description,
			Variables:     entry.Variables,
		}

		if err := s.store.TestData().Save(ctx, testData); err != nil {
			return result, err
		}

		result.TestData++
	}

	for _, entry := range catalog.Steps {
		step, err := s.step(ctx, entry)
		if err != nil {
			return result, err
		}

		if err := s.store.FlowSteps().Save(ctx, step); err != nil {
			return result, err
		}

		result.FlowSteps++
	}

	for _, entry := range catalog.Flows {
		for _, stepID := range entry.FlowStepIDs {
			if err := s.exists(ctx, "flow step", stepID); err != nil {
				return result, fmt.Errorf("flow %d: %w", entry.ID, err)
			}
		}

		if err := s.store.Flows().Save(ctx, &models.Flow{ID: entry.ID, Name: entry.Name, FlowStepIDs: entry.FlowStepIDs}); err != nil {
			return result, err
		}

		result.Flows++
	}

	for _, entry := range catalog.FlowGroups {
		for _, flowID := range entry.FlowIDs {
			if err := s.exists(ctx, "flow", flowID); err != nil {
				return result, fmt.Errorf("flow group %d: %w", entry.ID, err)
			}
		}

		group := &models.FlowGroup{ID: entry.ID, Name: entry.Name, FlowIDs: entry.FlowIDs}

		// Re-seeding keeps the group's iteration counters.
		if existing, err := s.store.FlowGroups().GetByID(ctx, entry.ID); err == nil {
			group.CurrentIteration = existing.CurrentIteration
			group.Revolutions = existing.Revolutions
			group.CreatedAt = existing.CreatedAt
		}

		if err := s.store.FlowGroups().Save(ctx, group); err != nil {
			return result, err
		}

		result.FlowGroups++
	}

	s.logger.InfoContext(ctx, "Catalog seeded",
		"applications", result.Applications,
		"test_data", result.TestData,
		"flow_steps", result.FlowSteps,
		"flows", result.Flows,
		"flow_groups", result.FlowGroups)

	return result, nil
}

func (s *Seeder) step(ctx context.Context, entry Step) (*models.FlowStep, error) {
	if err := s.exists(ctx, "application", entry.ApplicationID); err != nil {
		return nil, fmt.Errorf("flow step %d: %w", entry.ID, err)
	}

	for _, testDataID := range entry.TestDataIDs {
		if err := s.exists(ctx, "test data", testDataID); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", entry.ID, err)
		}
	}

	scheduler, err := entry.scheduler()
	if err != nil {
		return nil, fmt.Errorf("flow step %d: %w", entry.ID, err)
	}

	return &models.FlowStep{
		ID:              entry.ID,
		ApplicationID:   entry.ApplicationID,
		Branch:          entry.Branch,
		TestTag:         entry.TestTag,
		TestStage:       entry.TestStage,
		Description:     entry.Description,
		SquashStepIDs:   entry.SquashStepIDs,
		TestDataIDs:     entry.TestDataIDs,
		InvokeScheduler: scheduler,
	}, nil
}

func (s *Seeder) exists(ctx context.Context, entity string, id int64) error {
	var err error

	switch entity {
	case "application":
		_, err = s.store.Applications().GetByID(ctx, id)
	case "test data":
		_, err = s.store.TestData().GetByID(ctx, id)
	case "flow step":
		_, err = s.store.FlowSteps().GetByID(ctx, id)
	case "flow":
		_, err = s.store.Flows().GetByID(ctx, id)
	}

	if err != nil {
		return fmt.Errorf("unknown %s %d: %w", entity, id, err)
	}

	return nil
}
