package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Definitions
			CREATE TABLE applications (
				id BIGSERIAL PRIMARY KEY,
				application_name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				gitlab_project_id VARCHAR(255) NOT NULL,
				personal_access_token TEXT NOT NULL,
				token_status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE' CHECK (token_status IN ('ACTIVE', 'EXPIRED')),
				token_validated_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE test_data (
				id BIGSERIAL PRIMARY KEY,
				application_id BIGINT NOT NULL DEFAULT 0,
				category VARCHAR(255) NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				variables JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE flow_steps (
				id BIGSERIAL PRIMARY KEY,
				application_id BIGINT NOT NULL,
				branch VARCHAR(255) NOT NULL,
				test_tag VARCHAR(255) NOT NULL DEFAULT '',
				test_stage VARCHAR(255) NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				squash_step_ids BIGINT[] NOT NULL DEFAULT '{}',
				test_data_ids BIGINT[] NOT NULL DEFAULT '{}',
				invoke_scheduler JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE flows (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				flow_step_ids BIGINT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE flow_groups (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				flow_ids BIGINT[] NOT NULL DEFAULT '{}',
				current_iteration INTEGER NOT NULL DEFAULT 0,
				revolutions INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		2: `
			-- Execution records
			CREATE TABLE flow_executions (
				id UUID PRIMARY KEY,
				flow_id BIGINT NOT NULL,
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE,
				runtime_variables JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL,
				is_replay BOOLEAN NOT NULL DEFAULT false,
				original_flow_execution_id UUID,
				category VARCHAR(255) NOT NULL DEFAULT '',
				flow_group_id BIGINT,
				iteration INTEGER,
				revolutions INTEGER,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_executions_flow_id ON flow_executions(flow_id);
			CREATE INDEX idx_flow_executions_status ON flow_executions(status);

			CREATE TABLE pipeline_executions (
				id BIGSERIAL PRIMARY KEY,
				flow_id BIGINT NOT NULL,
				flow_execution_id UUID NOT NULL REFERENCES flow_executions(id) ON DELETE CASCADE,
				flow_step_id BIGINT NOT NULL,
				pipeline_id BIGINT,
				pipeline_url TEXT NOT NULL DEFAULT '',
				job_id BIGINT,
				job_url TEXT NOT NULL DEFAULT '',
				start_time TIMESTAMP WITH TIME ZONE,
				end_time TIMESTAMP WITH TIME ZONE,
				configured_test_data JSONB NOT NULL DEFAULT '{}',
				runtime_test_data JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL,
				is_replay BOOLEAN NOT NULL DEFAULT false,
				resume_time TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_pipeline_executions_flow_execution ON pipeline_executions(flow_execution_id, flow_step_id);
			CREATE INDEX idx_pipeline_executions_scheduled ON pipeline_executions(resume_time) WHERE status = 'SCHEDULED';
		`,
	}
}
