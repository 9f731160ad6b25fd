package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		id VARCHAR(255) PRIMARY KEY,
		total_amount NUMERIC(14,2) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		status VARCHAR(32) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		reference VARCHAR(64) PRIMARY KEY,
		booking_id VARCHAR(255) NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		currency VARCHAR(3) NOT NULL,
		acquirer_code VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL,
		acquirer_order_id VARCHAR(255),
		acquirer_payment_id VARCHAR(255),
		acquirer_transaction_id VARCHAR(255),
		refunded_amount NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (refunded_amount >= 0 AND refunded_amount <= amount),
		expires_at TIMESTAMPTZ NOT NULL,
		raw_acquirer_response JSONB,
		webhook_data JSONB,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + inFlightConstraint + `
		ON payments(booking_id) WHERE status IN ('CREATED', 'PENDING', 'PROCESSING')`,
	`CREATE INDEX IF NOT EXISTS idx_payments_acquirer_order ON payments(acquirer_code, acquirer_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_acquirer_payment ON payments(acquirer_code, acquirer_payment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_in_flight_expiry
		ON payments(expires_at) WHERE status IN ('CREATED', 'PENDING', 'PROCESSING')`,
	`CREATE TABLE IF NOT EXISTS payment_refunds (
		acquirer_code VARCHAR(32) NOT NULL,
		refund_id VARCHAR(255) NOT NULL,
		reference VARCHAR(64) NOT NULL REFERENCES payments(reference),
		amount NUMERIC(14,2) NOT NULL,
		status VARCHAR(32) NOT NULL,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (acquirer_code, refund_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_refunds_reference ON payment_refunds(reference)`,
	`CREATE TABLE IF NOT EXISTS acquirer_status_mappings (
		acquirer_code VARCHAR(32) NOT NULL,
		acquirer_status VARCHAR(64) NOT NULL,
		canonical_status VARCHAR(32) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (acquirer_code, acquirer_status)
	)`,
}

// InitDB creates the tables this service reads and writes.
func InitDB(ctx context.Context, db *sql.DB) error {
	for _, query := range schema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
