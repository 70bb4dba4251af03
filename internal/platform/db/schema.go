package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates every table used by the service. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'manager', 'qc', 'user')),
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS serial_transfers (
    id                  BIGSERIAL PRIMARY KEY,
    transfer_number     VARCHAR(50) NOT NULL UNIQUE,
    status              VARCHAR(20) NOT NULL DEFAULT 'draft'
                        CHECK (status IN ('draft', 'submitted', 'qc_approved', 'posted', 'rejected')),
    from_warehouse      VARCHAR(10) NOT NULL,
    to_warehouse        VARCHAR(10) NOT NULL,
    priority            VARCHAR(10) NOT NULL DEFAULT 'normal'
                        CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
    notes               TEXT NOT NULL DEFAULT '',
    created_by          BIGINT NOT NULL,
    qc_approver_id      BIGINT,
    qc_decided_at       TIMESTAMPTZ,
    qc_notes            TEXT NOT NULL DEFAULT '',
    erp_document_number VARCHAR(50),
    erp_doc_entry       BIGINT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (from_warehouse <> to_warehouse),
    CHECK ((status = 'posted') = (erp_document_number IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_serial_transfers_status ON serial_transfers(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_serial_transfers_approver ON serial_transfers(qc_approver_id, qc_decided_at DESC);

CREATE TABLE IF NOT EXISTS serial_transfer_lines (
    id              BIGSERIAL PRIMARY KEY,
    transfer_id     BIGINT NOT NULL REFERENCES serial_transfers(id) ON DELETE CASCADE,
    item_code       VARCHAR(50) NOT NULL,
    item_name       VARCHAR(200),
    quantity        INTEGER NOT NULL CHECK (quantity > 0),
    unit_of_measure VARCHAR(10) NOT NULL DEFAULT 'EA',
    from_warehouse  VARCHAR(10) NOT NULL,
    to_warehouse    VARCHAR(10) NOT NULL,
    qc_status       VARCHAR(20) NOT NULL DEFAULT 'pending'
                    CHECK (qc_status IN ('pending', 'approved', 'rejected')),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_serial_transfer_lines_transfer ON serial_transfer_lines(transfer_id);

-- serial_number is intentionally not unique per line: reviewers discard duplicates by hand.
CREATE TABLE IF NOT EXISTS serial_transfer_serials (
    id                     BIGSERIAL PRIMARY KEY,
    line_id                BIGINT NOT NULL REFERENCES serial_transfer_lines(id) ON DELETE CASCADE,
    serial_number          VARCHAR(100) NOT NULL,
    internal_serial_number VARCHAR(100) NOT NULL DEFAULT '',
    system_serial_number   BIGINT,
    is_validated           BOOLEAN NOT NULL DEFAULT FALSE,
    validation_error       TEXT,
    manufacturing_date     DATE,
    expiry_date            DATE,
    admission_date         DATE,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_serial_transfer_serials_line ON serial_transfer_serials(line_id);

CREATE TABLE IF NOT EXISTS audit_logs (
    id          BIGSERIAL PRIMARY KEY,
    actor_id    BIGINT NOT NULL,
    action      TEXT NOT NULL,
    entity      TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    meta        JSONB,
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS approvals (
    id       BIGSERIAL PRIMARY KEY,
    module   TEXT NOT NULL,
    ref_id   TEXT NOT NULL,
    actor_id BIGINT NOT NULL,
    action   TEXT NOT NULL,
    note     TEXT NOT NULL DEFAULT '',
    at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_approvals_ref ON approvals(module, ref_id, at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key        TEXT PRIMARY KEY,
    module     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("platform/db: migrate: %w", err)
	}
	return nil
}
