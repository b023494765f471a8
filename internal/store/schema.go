package store

// schema is applied with IF NOT EXISTS semantics on every open, so it is
// idempotent across restarts and forward-compatible with additive columns.
const schema = `
CREATE TABLE IF NOT EXISTS processes(
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	command TEXT NOT NULL,
	args TEXT,
	env TEXT,
	cwd TEXT,
	pid INTEGER,
	status TEXT NOT NULL CHECK(status IN ('starting','running','stopped','failed','crashed')),
	group_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	stopped_at INTEGER,
	restart_count INTEGER NOT NULL DEFAULT 0,
	auto_restart BOOLEAN NOT NULL DEFAULT FALSE,
	health_check_command TEXT,
	health_check_interval INTEGER,
	last_health_check INTEGER,
	health_status TEXT CHECK(health_status IN ('healthy','unhealthy','unknown'))
);

CREATE TABLE IF NOT EXISTS logs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
	type TEXT NOT NULL CHECK(type IN ('stdout','stderr','system')),
	message TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	level TEXT NOT NULL CHECK(level IN ('debug','info','warn','error'))
);

CREATE TABLE IF NOT EXISTS errors(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
	error_type TEXT,
	message TEXT,
	stack_trace TEXT,
	timestamp INTEGER,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	resolution_note TEXT
);

CREATE TABLE IF NOT EXISTS process_groups(
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	created_at INTEGER NOT NULL,
	startup_order TEXT
);

CREATE TABLE IF NOT EXISTS metrics(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id TEXT NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
	cpu_usage REAL,
	memory_usage INTEGER,
	timestamp INTEGER
);

CREATE INDEX IF NOT EXISTS idx_logs_process_ts ON logs(process_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_errors_process_ts ON errors(process_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_process_ts ON metrics(process_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_processes_group ON processes(group_id);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);
`
