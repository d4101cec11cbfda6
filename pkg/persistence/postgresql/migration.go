package postgresql

// migrations returns the ordered schema migrations for the engine's tables.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS pipeline_runs (
				id UUID PRIMARY KEY,
				graph_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node TEXT NOT NULL DEFAULT '',
				context JSONB NOT NULL DEFAULT '{}',
				node_visits JSONB NOT NULL DEFAULT '{}',
				failure_reason TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status
				ON pipeline_runs (status, updated_at);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS audit_log_entries (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL,
				graph_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				status TEXT NOT NULL,
				attempts JSONB NOT NULL DEFAULT '[]',
				duration_ns BIGINT NOT NULL DEFAULT 0,
				usage JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_audit_log_entries_run
				ON audit_log_entries (run_id, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_audit_log_entries_node
				ON audit_log_entries (node_id, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_audit_log_entries_status
				ON audit_log_entries (status, created_at DESC);
		`,
	}
}
