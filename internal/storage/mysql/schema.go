package mysql

// Schema DDL. Executed statement-by-statement by InitSchema; MySQL drivers
// reject multi-statement Exec by default.
//
// At-most-one-ACTIVE per (account_id, business_date) cannot be a partial
// unique index in MySQL; PromoteBatch enforces it transactionally with
// SELECT ... FOR UPDATE on the batch rows.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS clients (
    client_id BIGINT NOT NULL,
    name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'ACTIVE',
    PRIMARY KEY (client_id)
)`,

	`CREATE TABLE IF NOT EXISTS funds (
    fund_id BIGINT NOT NULL,
    client_id BIGINT NOT NULL,
    name VARCHAR(255) NOT NULL DEFAULT '',
    base_currency CHAR(3) NOT NULL,
    PRIMARY KEY (fund_id),
    KEY idx_funds_client (client_id)
)`,

	`CREATE TABLE IF NOT EXISTS accounts (
    account_id BIGINT NOT NULL,
    fund_id BIGINT NOT NULL,
    account_number VARCHAR(64) NOT NULL,
    base_currency CHAR(3) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'ACTIVE',
    PRIMARY KEY (account_id),
    UNIQUE KEY uq_accounts_number (account_number),
    KEY idx_accounts_fund (fund_id)
)`,

	`CREATE TABLE IF NOT EXISTS products (
    product_id BIGINT NOT NULL,
    ticker VARCHAR(64) NOT NULL,
    asset_class VARCHAR(32) NOT NULL DEFAULT '',
    issue_ccy CHAR(3) NOT NULL DEFAULT '',
    settle_ccy CHAR(3) NOT NULL DEFAULT '',
    PRIMARY KEY (product_id),
    KEY idx_products_ticker (ticker)
)`,

	`CREATE TABLE IF NOT EXISTS account_batches (
    account_id BIGINT NOT NULL,
    batch_id BIGINT NOT NULL,
    business_date DATE NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'STAGING',
    source VARCHAR(16) NOT NULL DEFAULT 'EOD',
    position_count INT NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at DATETIME(6) NOT NULL,
    activated_at DATETIME(6),
    archived_at DATETIME(6),
    PRIMARY KEY (account_id, batch_id),
    KEY idx_batches_date_status (account_id, business_date, status)
)`,

	`CREATE TABLE IF NOT EXISTS positions (
    position_id BIGINT NOT NULL AUTO_INCREMENT,
    account_id BIGINT NOT NULL,
    product_id BIGINT NOT NULL,
    batch_id BIGINT NOT NULL,
    business_date DATE NOT NULL,
    quantity DECIMAL(28,8) NOT NULL,
    avg_cost_price DECIMAL(28,8) NOT NULL DEFAULT 0,
    cost_local DECIMAL(28,8) NOT NULL DEFAULT 0,
    mv_base DECIMAL(28,8) NOT NULL DEFAULT 0,
    source VARCHAR(16) NOT NULL DEFAULT 'EOD',
    valid_from DATETIME(6) NOT NULL,
    valid_to DATETIME(6) NOT NULL,
    system_from DATETIME(6) NOT NULL,
    system_to DATETIME(6) NOT NULL,
    PRIMARY KEY (position_id),
    KEY idx_positions_current (account_id, batch_id, product_id, system_to),
    KEY idx_positions_asof (account_id, system_from, system_to),
    KEY idx_positions_date (business_date)
)`,

	`CREATE TABLE IF NOT EXISTS positions_archive (
    position_id BIGINT NOT NULL,
    account_id BIGINT NOT NULL,
    product_id BIGINT NOT NULL,
    batch_id BIGINT NOT NULL,
    business_date DATE NOT NULL,
    quantity DECIMAL(28,8) NOT NULL,
    avg_cost_price DECIMAL(28,8) NOT NULL DEFAULT 0,
    cost_local DECIMAL(28,8) NOT NULL DEFAULT 0,
    mv_base DECIMAL(28,8) NOT NULL DEFAULT 0,
    source VARCHAR(16) NOT NULL DEFAULT 'EOD',
    valid_from DATETIME(6) NOT NULL,
    valid_to DATETIME(6) NOT NULL,
    system_from DATETIME(6) NOT NULL,
    system_to DATETIME(6) NOT NULL,
    archived_on DATE NOT NULL,
    PRIMARY KEY (position_id),
    KEY idx_archive_account (account_id, business_date)
)`,

	`CREATE TABLE IF NOT EXISTS transactions (
    txn_id BIGINT NOT NULL AUTO_INCREMENT,
    account_id BIGINT NOT NULL,
    product_id BIGINT NOT NULL,
    txn_type VARCHAR(16) NOT NULL,
    trade_date DATE NOT NULL,
    quantity DECIMAL(28,8) NOT NULL,
    price DECIMAL(28,8) NOT NULL,
    external_ref_id VARCHAR(128) NOT NULL,
    created_at DATETIME(6) NOT NULL,
    PRIMARY KEY (txn_id),
    UNIQUE KEY uq_transactions_ref (external_ref_id),
    KEY idx_transactions_account (account_id, trade_date)
)`,

	`CREATE TABLE IF NOT EXISTS snapshot_hashes (
    account_id BIGINT NOT NULL,
    business_date DATE NOT NULL,
    content_hash CHAR(64) NOT NULL,
    position_count INT NOT NULL DEFAULT 0,
    total_quantity DECIMAL(28,8) NOT NULL DEFAULT 0,
    total_market_value DECIMAL(28,8) NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    PRIMARY KEY (account_id, business_date),
    KEY idx_hashes_lookup (account_id, content_hash, business_date)
)`,

	`CREATE TABLE IF NOT EXISTS dlq_entries (
    id BIGINT NOT NULL AUTO_INCREMENT,
    topic VARCHAR(128) NOT NULL,
    msg_key VARCHAR(128) NOT NULL,
    payload MEDIUMBLOB NOT NULL,
    error_msg TEXT,
    error_code VARCHAR(64) NOT NULL DEFAULT '',
    retry_count INT NOT NULL DEFAULT 0,
    next_retry_at DATETIME(6),
    status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    PRIMARY KEY (id),
    KEY idx_dlq_due (status, next_retry_at)
)`,

	`CREATE TABLE IF NOT EXISTS distributed_locks (
    name VARCHAR(128) NOT NULL,
    owner_id VARCHAR(64) NOT NULL,
    locked_at DATETIME(6) NOT NULL,
    lock_until DATETIME(6) NOT NULL,
    PRIMARY KEY (name)
)`,

	`CREATE TABLE IF NOT EXISTS eod_runs (
    run_id BIGINT NOT NULL AUTO_INCREMENT,
    account_id BIGINT NOT NULL,
    business_date DATE NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'RUNNING',
    batch_id BIGINT,
    position_count INT NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at DATETIME(6) NOT NULL,
    finished_at DATETIME(6),
    PRIMARY KEY (run_id),
    KEY idx_runs_account (account_id, business_date, started_at)
)`,
}
