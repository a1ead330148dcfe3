package sqlite

// Schema SQL applied by versioned migrations (see migrations.go).
// The job_queue table is the single source of truth for job state;
// timestamps are epoch milliseconds.

const createJobQueueSQL = `
CREATE TABLE IF NOT EXISTS job_queue (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	data TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	result TEXT,
	source TEXT,
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	scheduled_for INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
)`

// Dequeue scans this index: eligible pending rows ordered by priority
// then age.
const createDequeueIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_job_queue_dequeue
	ON job_queue(status, priority DESC, scheduled_for)`

const createTypeStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_job_queue_type_status
	ON job_queue(type, status)`

const createSourceIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_job_queue_source
	ON job_queue(source)`

const addDeduplicationKeySQL = `
ALTER TABLE job_queue ADD COLUMN deduplication_key TEXT`
