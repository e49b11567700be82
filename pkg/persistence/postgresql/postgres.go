// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	applications       *ApplicationRepository
	testData           *TestDataRepository
	flowSteps          *FlowStepRepository
	flows              *FlowRepository
	flowGroups         *FlowGroupRepository
	flowExecutions     *FlowExecutionRepository
	pipelineExecutions *PipelineExecutionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:                 database,
		logger:             logger,
		applications:       &ApplicationRepository{db: database, logger: logger},
		testData:           &TestDataRepository{db: database, logger: logger},
		flowSteps:          &FlowStepRepository{db: database},
		flows:              &FlowRepository{db: database},
		flowGroups:         &FlowGroupRepository{db: database},
		flowExecutions:     &FlowExecutionRepository{db: database},
		pipelineExecutions: &PipelineExecutionRepository{db: database, logger: logger},
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Applications() persistence.ApplicationRepository { return p.applications }

func (p *Persistence) TestData() persistence.TestDataRepository { return p.testData }

func (p *Persistence) FlowSteps() persistence.FlowStepRepository { return p.flowSteps }

func (p *Persistence) Flows() persistence.FlowRepository { return p.flows }

func (p *Persistence) FlowGroups() persistence.FlowGroupRepository { return p.flowGroups }

func (p *Persistence) FlowExecutions() persistence.FlowExecutionRepository { return p.flowExecutions }

func (p *Persistence) PipelineExecutions() persistence.PipelineExecutionRepository {
	return p.pipelineExecutions
}

type scanner interface {
	Scan(dest ...any) error
}

func marshalVariables(variables map[string]string) ([]byte, error) {
	if variables == nil {
		variables = map[string]string{}
	}

	data, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	return data, nil
}

func unmarshalVariables(data []byte) (map[string]string, error) {
	variables := map[string]string{}
	if len(data) == 0 {
		return variables, nil
	}

	if err := json.Unmarshal(data, &variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}

	return variables, nil
}

// syncSequence moves a BIGSERIAL sequence past ids inserted explicitly.
func syncSequence(ctx context.Context, db *sql.DB, table string) error {
	query := fmt.Sprintf(
		`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), GREATEST((SELECT COALESCE(MAX(id), 0) FROM %[1]s), 1))`,
		table,
	)

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to sync %s id sequence: %w", table, err)
	}

	return nil
}
