package schemas

// Timestamps are stored as RFC3339 text in both dialects so that the
// scanning code is shared between the drivers.

const SQLITE_SCHEMA = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_versions (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS model_configs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    active INTEGER NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS judge_configs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    active INTEGER NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    prompt_version_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    status TEXT NOT NULL,
    metrics TEXT NOT NULL DEFAULT '{}',
    total_tokens INTEGER NOT NULL DEFAULT 0,
    total_cost REAL NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    UNIQUE (experiment_id, number)
);

CREATE TABLE IF NOT EXISTS model_runs (
    id TEXT PRIMARY KEY,
    iteration_id TEXT NOT NULL,
    model_config_id TEXT NOT NULL,
    dataset_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS outputs (
    id TEXT PRIMARY KEY,
    model_run_id TEXT NOT NULL,
    iteration_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS judgments (
    id TEXT PRIMARY KEY,
    output_id TEXT NOT NULL,
    iteration_id TEXT NOT NULL,
    judge_config_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    pointwise_key TEXT UNIQUE,
    created_at TEXT NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refinement_suggestions (
    id TEXT PRIMARY KEY,
    iteration_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    entity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
    lease_key TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_iterations_experiment ON iterations (experiment_id, number);
CREATE INDEX IF NOT EXISTS idx_model_runs_iteration ON model_runs (iteration_id);
CREATE INDEX IF NOT EXISTS idx_outputs_iteration ON outputs (iteration_id);
CREATE INDEX IF NOT EXISTS idx_judgments_iteration ON judgments (iteration_id);
CREATE INDEX IF NOT EXISTS idx_cases_dataset ON cases (dataset_id);
`

const POSTGRES_SCHEMA = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_versions (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS model_configs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    active INTEGER NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS judge_configs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    active INTEGER NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    prompt_version_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    status TEXT NOT NULL,
    metrics TEXT NOT NULL DEFAULT '{}',
    total_tokens BIGINT NOT NULL DEFAULT 0,
    total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    UNIQUE (experiment_id, number)
);

CREATE TABLE IF NOT EXISTS model_runs (
    id TEXT PRIMARY KEY,
    iteration_id TEXT NOT NULL,
    model_config_id TEXT NOT NULL,
    dataset_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    tokens_used BIGINT NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS outputs (
    id TEXT PRIMARY KEY,
    model_run_id TEXT NOT NULL,
    iteration_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    text TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS judgments (
    id TEXT PRIMARY KEY,
    output_id TEXT NOT NULL,
    iteration_id TEXT NOT NULL,
    judge_config_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    pointwise_key TEXT UNIQUE,
    created_at TEXT NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS refinement_suggestions (
    id TEXT PRIMARY KEY,
    iteration_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    entity JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
    lease_key TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_iterations_experiment ON iterations (experiment_id, number);
CREATE INDEX IF NOT EXISTS idx_model_runs_iteration ON model_runs (iteration_id);
CREATE INDEX IF NOT EXISTS idx_outputs_iteration ON outputs (iteration_id);
CREATE INDEX IF NOT EXISTS idx_judgments_iteration ON judgments (iteration_id);
CREATE INDEX IF NOT EXISTS idx_cases_dataset ON cases (dataset_id);
`
