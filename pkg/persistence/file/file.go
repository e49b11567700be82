// Package file provides file-based persistence: one JSON document per record under a root directory.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root               string
	applications       *ApplicationRepository
	testData           *TestDataRepository
	flowSteps          *FlowStepRepository
	flows              *FlowRepository
	flowGroups         *FlowGroupRepository
	flowExecutions     *FlowExecutionRepository
	pipelineExecutions *PipelineExecutionRepository
}

// NewPersistence creates a file persistence rooted at root, which may carry a file:// prefix.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:               cleanRoot,
		applications:       &ApplicationRepository{records: newCollection[models.Application](cleanRoot, "applications")},
		testData:           &TestDataRepository{records: newCollection[models.TestData](cleanRoot, "test_data")},
		flowSteps:          &FlowStepRepository{records: newCollection[models.FlowStep](cleanRoot, "flow_steps")},
		flows:              &FlowRepository{records: newCollection[models.Flow](cleanRoot, "flows")},
		flowGroups:         &FlowGroupRepository{records: newCollection[models.FlowGroup](cleanRoot, "flow_groups")},
		flowExecutions:     &FlowExecutionRepository{records: newCollection[models.FlowExecution](cleanRoot, "flow_executions")},
		pipelineExecutions: &PipelineExecutionRepository{records: newCollection[models.PipelineExecution](cleanRoot, "pipeline_executions")},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists, creating it on first use.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	return os.MkdirAll(fp.root, 0750)
}

func (fp *Persistence) Applications() persistence.ApplicationRepository { return fp.applications }

func (fp *Persistence) TestData() persistence.TestDataRepository { return fp.testData }

func (fp *Persistence) FlowSteps() persistence.FlowStepRepository { return fp.flowSteps }

func (fp *Persistence) Flows() persistence.FlowRepository { return fp.flows }

func (fp *Persistence) FlowGroups() persistence.FlowGroupRepository { return fp.flowGroups }

func (fp *Persistence) FlowExecutions() persistence.FlowExecutionRepository { return fp.flowExecutions }

func (fp *Persistence) PipelineExecutions() persistence.PipelineExecutionRepository {
	return fp.pipelineExecutions
}
