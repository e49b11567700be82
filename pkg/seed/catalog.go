// Package seed loads a YAML catalog of applications, test data, steps, flows and flow groups into
// persistence.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrEmptyCatalog = errors.New("catalog contains no records")

// Catalog records carry explicit ids so seeding the same file twice updates in place.
type Catalog struct {
	Applications []Application `yaml:"applications" validate:"dive"`
	TestData     []TestData    `yaml:"test_data"    validate:"dive"`
	Steps        []Step        `yaml:"steps"        validate:"dive"`
	Flows        []Flow        `yaml:"flows"        validate:"dive"`
	FlowGroups   []FlowGroup   `yaml:"flow_groups"  validate:"dive"`
}

type Application struct {
	ID              int64  `yaml:"id"                validate:"required,gt=0"`
	Name            string `yaml:"name"              validate:"required"`
	Description     string `yaml:"description"`
	GitlabProjectID string `yaml:"gitlab_project_id" validate:"required"`
	// Token is the plaintext personal access token; it is encrypted before it is stored.
	Token string `yaml:"token" validate:"required"`
}

type TestData struct {
	ID            int64             `yaml:"id"             validate:"required,gt=0"`
	ApplicationID int64             `yaml:"application_id"`
	Category      string            `yaml:"category"`
	Description   string            `yaml:"description"`
	Variables     map[string]string `yaml:"variables"`
}

type Step struct {
	ID              int64      `yaml:"id"               validate:"required,gt=0"`
	ApplicationID   int64      `yaml:"application_id"   validate:"required,gt=0"`
	Branch          string     `yaml:"branch"           validate:"required"`
	TestTag         string     `yaml:"test_tag"`
	TestStage       string     `yaml:"test_stage"`
	Description     string     `yaml:"description"`
	SquashStepIDs   []int64    `yaml:"squash_step_ids"`
	TestDataIDs     []int64    `yaml:"test_data_ids"`
	InvokeScheduler *Scheduler `yaml:"invoke_scheduler"`
}

type Scheduler struct {
	Type  string        `yaml:"type"`
	Timer *models.Timer `yaml:"timer"`
}

type Flow struct {
	ID          int64   `yaml:"id"            validate:"required,gt=0"`
	Name        string  `yaml:"name"`
	FlowStepIDs []int64 `yaml:"flow_step_ids" validate:"required,min=1"`
}

type FlowGroup struct {
	ID      int64   `yaml:"id"       validate:"required,gt=0"`
	Name    string  `yaml:"name"     validate:"required"`
	FlowIDs []int64 `yaml:"flow_ids" validate:"required,min=1"`
}

func (c *Catalog) size() int {
	return len(c.Applications) + len(c.TestData) + len(c.Steps) + len(c.Flows) + len(c.FlowGroups)
}

// Load decodes and validates a catalog. Unknown keys are rejected.
func Load(r io.Reader) (*Catalog, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var catalog Catalog
	if err := decoder.Decode(&catalog); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}

		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if catalog.size() == 0 {
		return nil, ErrEmptyCatalog
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&catalog); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	for _, step := range catalog.Steps {
		if _, err := step.scheduler(); err != nil {
			return nil, fmt.Errorf("invalid catalog: step %d: %w", step.ID, err)
		}
	}

	return &catalog, nil
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	return Load(bytes.NewReader(data))
}

//nolint:ireturn
func (s Step) scheduler() (models.InvokeScheduler, error) {
	if s.InvokeScheduler == nil {
		return nil, nil //nolint:nilnil
	}

	return models.NewInvokeScheduler(s.InvokeScheduler.Type, s.InvokeScheduler.Timer)
}
