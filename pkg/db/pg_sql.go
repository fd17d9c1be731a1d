package db

const pgsql = `
BEGIN;

-- Campaign snapshots

CREATE TABLE IF NOT EXISTS campaigns (
  id VARCHAR(16) PRIMARY KEY,
  creator VARCHAR(64) NOT NULL,
  state VARCHAR(16) NOT NULL DEFAULT 'active',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  snapshot JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS campaigns_creator_idx ON campaigns(creator);
CREATE INDEX IF NOT EXISTS campaigns_state_idx ON campaigns(state);

COMMIT;
`
