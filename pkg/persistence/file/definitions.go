package file

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

// stamp assigns an id and timestamps to a definition record about to be saved.
func stamp[T any](records *collection[T], id *int64, createdAt, updatedAt *time.Time) error {
	if *id == 0 {
		next, err := records.nextID()
		if err != nil {
			return err
		}

		*id = next
	}

	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}

	*updatedAt = now

	return nil
}

func getByID[T any](records *collection[T], entity string, id int64, notFound error) (*T, error) {
	records.mu.Lock()
	defer records.mu.Unlock()

	record, err := records.read(key(id))
	if err != nil {
		return nil, persistence.NewRecordError("GetByID", entity, id, err)
	}

	if record == nil {
		return nil, persistence.NewRecordError("GetByID", entity, id, notFound)
	}

	return record, nil
}

type ApplicationRepository struct {
	records *collection[models.Application]
}

func (r *ApplicationRepository) Save(_ context.Context, application *models.Application) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if err := stamp(r.records, &application.ID, &application.CreatedAt, &application.UpdatedAt); err != nil {
		return persistence.NewRecordError("Save", "application", application.ID, err)
	}

	if application.TokenStatus == "" {
		application.TokenStatus = models.TokenStatusActive
	}

	return r.records.write(key(application.ID), application)
}

func (r *ApplicationRepository) GetByID(_ context.Context, id int64) (*models.Application, error) {
	return getByID(r.records, "application", id, persistence.ErrApplicationNotFound)
}

func (r *ApplicationRepository) GetAll(_ context.Context) ([]*models.Application, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	applications, err := r.records.all()
	if err != nil {
		return nil, persistence.NewRecordError("GetAll", "application", "*", err)
	}

	slices.SortFunc(applications, func(a, b *models.Application) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return applications, nil
}

type TestDataRepository struct {
	records *collection[models.TestData]
}

func (r *TestDataRepository) Save(_ context.Context, testData *models.TestData) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if err := stamp(r.records, &testData.ID, &testData.CreatedAt, &testData.UpdatedAt); err != nil {
		return persistence.NewRecordError("Save", "test_data", testData.ID, err)
	}

	return r.records.write(key(testData.ID), testData)
}

func (r *TestDataRepository) GetByID(_ context.Context, id int64) (*models.TestData, error) {
	return getByID(r.records, "test_data", id, persistence.ErrTestDataNotFound)
}

func (r *TestDataRepository) GetByIDs(_ context.Context, ids []int64) ([]*models.TestData, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	found := make([]*models.TestData, 0, len(ids))

	for _, id := range ids {
		record, err := r.records.read(key(id))
		if err != nil {
			return nil, persistence.NewRecordError("GetByIDs", "test_data", id, err)
		}

		if record != nil {
			found = append(found, record)
		}
	}

	return found, nil
}

type FlowStepRepository struct {
	records *collection[models.FlowStep]
}

func (r *FlowStepRepository) Save(_ context.Context, step *models.FlowStep) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if err := stamp(r.records, &step.ID, &step.CreatedAt, &step.UpdatedAt); err != nil {
		return persistence.NewRecordError("Save", "flow_step", step.ID, err)
	}

	return r.records.write(key(step.ID), step)
}

func (r *FlowStepRepository) GetByID(_ context.Context, id int64) (*models.FlowStep, error) {
	return getByID(r.records, "flow_step", id, persistence.ErrFlowStepNotFound)
}

type FlowRepository struct {
	records *collection[models.Flow]
}

func (r *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if err := stamp(r.records, &flow.ID, &flow.CreatedAt, &flow.UpdatedAt); err != nil {
		return persistence.NewRecordError("Save", "flow", flow.ID, err)
	}

	return r.records.write(key(flow.ID), flow)
}

func (r *FlowRepository) GetByID(_ context.Context, id int64) (*models.Flow, error) {
	return getByID(r.records, "flow", id, persistence.ErrFlowNotFound)
}

type FlowGroupRepository struct {
	records *collection[models.FlowGroup]
}

func (r *FlowGroupRepository) Save(_ context.Context, group *models.FlowGroup) error {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	if err := stamp(r.records, &group.ID, &group.CreatedAt, &group.UpdatedAt); err != nil {
		return persistence.NewRecordError("Save", "flow_group", group.ID, err)
	}

	return r.records.write(key(group.ID), group)
}

func (r *FlowGroupRepository) GetByID(_ context.Context, id int64) (*models.FlowGroup, error) {
	return getByID(r.records, "flow_group", id, persistence.ErrFlowGroupNotFound)
}

func (r *FlowGroupRepository) Advance(_ context.Context, id int64) (*models.FlowGroup, error) {
	r.records.mu.Lock()
	defer r.records.mu.Unlock()

	group, err := r.records.read(key(id))
	if err != nil {
		return nil, persistence.NewRecordError("Advance", "flow_group", id, err)
	}

	if group == nil {
		return nil, persistence.NewRecordError("Advance", "flow_group", id, persistence.ErrFlowGroupNotFound)
	}

	group.Advance()
	group.UpdatedAt = time.Now().UTC()

	if err := r.records.write(key(id), group); err != nil {
		return nil, persistence.NewRecordError("Advance", "flow_group", id, err)
	}

	return group, nil
}
