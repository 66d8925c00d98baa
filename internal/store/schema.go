package store

// Database schema definitions for the ledger mirror

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
    address VARCHAR(42) PRIMARY KEY,
    display_name VARCHAR(255) NOT NULL DEFAULT '',
    next_nonce BIGINT NOT NULL DEFAULT 0,
    session_counter BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (next_nonce >= 0),
    CHECK (session_counter >= 0)
);
`

const createTransactionsTable = `
CREATE TABLE IF NOT EXISTS transactions (
    id UUID PRIMARY KEY,
    account VARCHAR(42) NOT NULL REFERENCES accounts(address),
    service_type VARCHAR(50) NOT NULL CHECK (service_type IN (
        'video_stream', 'video_purchase', 'api_session', 'storage', 'deposit', 'withdraw'
    )),
    reference_id VARCHAR(66),
    amount_usdc DECIMAL(20,6),
    tx_hash VARCHAR(66),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (amount_usdc IS NULL OR amount_usdc >= 0)
);
`

const createSettledSessionsTable = `
CREATE TABLE IF NOT EXISTS settled_sessions (
    session_id VARCHAR(66) PRIMARY KEY,
    tx_hash VARCHAR(66) NOT NULL DEFAULT '',
    status VARCHAR(10) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'settled')),
    reserved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    settled_at TIMESTAMPTZ
);
`

const createVideosTable = `
CREATE TABLE IF NOT EXISTS videos (
    id UUID PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    price_usdc DECIMAL(20,6) NOT NULL,
    playback_url TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (price_usdc >= 0)
);
`

const createStreamSessionsTable = `
CREATE TABLE IF NOT EXISTS stream_sessions (
    id UUID PRIMARY KEY,
    account VARCHAR(42) NOT NULL REFERENCES accounts(address),
    video_id UUID NOT NULL REFERENCES videos(id),
    counter BIGINT NOT NULL,
    session_id VARCHAR(66) NOT NULL,
    started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE(account, counter),
    UNIQUE(session_id)
);
`

const createVideoPurchasesTable = `
CREATE TABLE IF NOT EXISTS video_purchases (
    id UUID PRIMARY KEY,
    account VARCHAR(42) NOT NULL REFERENCES accounts(address),
    video_id UUID NOT NULL REFERENCES videos(id),
    session_id VARCHAR(66) NOT NULL,
    tx_hash VARCHAR(66) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE(session_id)
);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_transactions_account_created_at
    ON transactions(account, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_reference_id
    ON transactions(reference_id);
CREATE INDEX IF NOT EXISTS idx_stream_sessions_account
    ON stream_sessions(account);
CREATE INDEX IF NOT EXISTS idx_video_purchases_account
    ON video_purchases(account);
`
