package store

// SQL shared by both backends. Placeholders are $N; modernc sqlite binds
// them by ordinal. Timestamps are TIMESTAMPTZ in PostgreSQL and unix
// nanoseconds in SQLite, converted by each backend.

const statsTopN = 20

// runsAdvisoryLockKey guards run lifecycle changes in PostgreSQL.
const runsAdvisoryLockKey int64 = 0x6d6c_7275_6e73

const listingColumns = `l.item_id, l.attributes, l.content_fingerprint, l.detail_completeness,
	l.first_seen_run, l.last_seen_run, l.first_seen_at, l.last_updated_at,
	COALESCE(p.amount, ''), COALESCE(p.currency, ''), p.observed_at`

const baseListingsSelect = `SELECT ` + listingColumns + `
FROM listings l
LEFT JOIN current_prices p ON p.item_id = l.item_id`

const countListingsSelect = `SELECT COUNT(*)
FROM listings l
LEFT JOIN current_prices p ON p.item_id = l.item_id`

// Listing queries.
const (
	queryGetListing = baseListingsSelect + ` WHERE l.item_id = $1`

	queryListNewInRun = baseListingsSelect + ` WHERE l.first_seen_run = $1 ORDER BY l.item_id`

	queryListingRow = `SELECT item_id, attributes, content_fingerprint, detail_completeness,
	first_seen_run, last_seen_run, first_seen_at, last_updated_at
FROM listings
WHERE item_id = $1`

	queryListingRowForUpdate = queryListingRow + ` FOR UPDATE`

	queryPriceHead = `SELECT amount, currency, observed_at
FROM price_history
WHERE item_id = $1
ORDER BY observed_at DESC
LIMIT 1`

	queryInsertListing = `INSERT INTO listings (
	item_id, attributes, content_fingerprint, detail_completeness,
	first_seen_run, last_seen_run, first_seen_at, last_updated_at
) VALUES (
	@item_id, @attributes, @content_fingerprint, @detail_completeness,
	@first_seen_run, @last_seen_run, @first_seen_at, @last_updated_at
)`

	queryUpdateListing = `UPDATE listings SET
	attributes          = @attributes,
	content_fingerprint = @content_fingerprint,
	detail_completeness = @detail_completeness,
	last_seen_run       = @last_seen_run,
	last_updated_at     = @last_updated_at
WHERE item_id = @item_id`

	queryAppendPrice = `INSERT INTO price_history (item_id, observed_at, run_id, amount, currency)
VALUES ($1, $2, $3, $4, $5)`

	queryListPriceHistory = `SELECT item_id, amount, currency, observed_at, run_id
FROM price_history
WHERE ($1 = '' OR item_id = $1)
ORDER BY item_id, observed_at`

	queryListPriceChangesInRun = `SELECT item_id, prev_amount, prev_currency, amount, currency, observed_at
FROM (
	SELECT item_id, amount, currency, observed_at, run_id,
		LAG(amount) OVER w AS prev_amount,
		LAG(currency) OVER w AS prev_currency
	FROM price_history
	WHERE item_id IN (SELECT item_id FROM price_history WHERE run_id = $1)
	WINDOW w AS (PARTITION BY item_id ORDER BY observed_at)
) h
WHERE run_id = $1 AND prev_amount IS NOT NULL
ORDER BY item_id, observed_at`
)

// Run queries.
const runColumns = `id, started_at, ended_at, status,
	seen, created, price_changed, metadata_changed, unchanged, failed, normalize_failed,
	trusted, discarded, stop_reason`

const (
	queryGetRun = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	queryListRuns = `SELECT ` + runColumns + ` FROM runs ORDER BY id DESC LIMIT $1`

	queryRunningRuns = `SELECT ` + runColumns + ` FROM runs WHERE status = 'running' ORDER BY id`

	queryLastRun = `SELECT ` + runColumns + ` FROM runs ORDER BY id DESC LIMIT 1`

	queryCountRuns = `SELECT COUNT(*) FROM runs`

	queryInsertRun = `INSERT INTO runs (started_at, status) VALUES ($1, 'running') RETURNING id`

	queryUpdateRun = `UPDATE runs SET
	ended_at         = @ended_at,
	status           = @status,
	seen             = @seen,
	created          = @created,
	price_changed    = @price_changed,
	metadata_changed = @metadata_changed,
	unchanged        = @unchanged,
	failed           = @failed,
	normalize_failed = @normalize_failed,
	trusted          = @trusted,
	discarded        = @discarded,
	stop_reason      = @stop_reason
WHERE id = @id`

	queryRecordRunItem = `INSERT INTO run_items (run_id, item_id, outcome)
VALUES ($1, $2, $3)
ON CONFLICT (run_id, item_id) DO NOTHING`

	queryRecordRunFailure = `INSERT INTO run_failures (run_id, item_id, stage, error, failed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id, item_id) DO NOTHING`

	queryRunOutcomes = `SELECT outcome, COUNT(*) FROM run_items WHERE run_id = $1 GROUP BY outcome`

	queryRunFailures = `SELECT f.stage, COUNT(*)
FROM run_failures f
WHERE f.run_id = $1
	AND NOT EXISTS (
		SELECT 1 FROM run_items i WHERE i.run_id = f.run_id AND i.item_id = f.item_id
	)
GROUP BY f.stage`

	queryLockRuns = `SELECT pg_advisory_xact_lock($1)`
)

// Stats queries.
const queryListingActivity = `SELECT COUNT(*),
	COALESCE(SUM(CASE WHEN last_updated_at >= $1 THEN 1 ELSE 0 END), 0)
FROM listings`
