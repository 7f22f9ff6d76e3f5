package database

// DatabaseSchema contains the complete PostgreSQL schema for CollabSpace.
// In-memory workspace state is authoritative at runtime; these tables are
// the durable baseline files are loaded from and the audit trail of
// workspace activity.
const DatabaseSchema = `
-- Enable required extensions
CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

-- Durable file contents, keyed by path. revision mirrors the number of
-- persisted writes, not the in-memory operation version.
CREATE TABLE IF NOT EXISTS files (
    path TEXT PRIMARY KEY,
    content TEXT NOT NULL DEFAULT '',
    revision BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Audit trail of workspace actions (joins, leaves, terminal starts, ...).
CREATE TABLE IF NOT EXISTS workspace_activity (
    id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
    workspace_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_files_updated ON files(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_activity_workspace ON workspace_activity(workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_activity_user ON workspace_activity(user_id, created_at DESC);

-- Keep files.updated_at current on every persisted write
CREATE OR REPLACE FUNCTION update_updated_at()
RETURNS TRIGGER AS $$
BEGIN
    NEW.updated_at = NOW();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS files_updated_at ON files;
CREATE TRIGGER files_updated_at BEFORE UPDATE ON files
    FOR EACH ROW EXECUTE FUNCTION update_updated_at();
`
