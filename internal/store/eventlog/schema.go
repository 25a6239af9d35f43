package eventlog

const schemaDDL = `
CREATE TABLE IF NOT EXISTS market_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	sequence_no INTEGER NOT NULL DEFAULT 0,
	bids        TEXT,
	asks        TEXT,
	price       REAL,
	quantity    REAL,
	aggressor   TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_symbol_ts ON market_events(symbol, ts, id);
`
