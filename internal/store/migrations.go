package store

const schema = `
CREATE TABLE IF NOT EXISTS leases (
    slot_index INTEGER PRIMARY KEY,
    owner_run_id TEXT NOT NULL UNIQUE,
    workspace_path TEXT NOT NULL,
    port_a INTEGER NOT NULL,
    port_b INTEGER NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    heartbeat_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS phase_journal (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    outcome TEXT NOT NULL,
    category TEXT,
    detail TEXT,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    cost_usd REAL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_journal_run_id ON phase_journal(run_id);

CREATE TABLE IF NOT EXISTS run_archive (
    run_id TEXT PRIMARY KEY,
    ticket_ref TEXT NOT NULL,
    chain_name TEXT NOT NULL,
    classification TEXT,
    status TEXT NOT NULL,
    failure_kind TEXT,
    created_at TIMESTAMP,
    archived_at TIMESTAMP,
    state_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archive_status ON run_archive(status);
`
