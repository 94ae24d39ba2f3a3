package db

// Every store file carries both tables; the work and snapshot stores use
// objects, the tracker store uses modifications.
const schema = `
CREATE TABLE IF NOT EXISTS objects (
    object_class TEXT NOT NULL,
    ident TEXT NOT NULL,
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (object_class, ident)
);

CREATE TABLE IF NOT EXISTS modifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command TEXT NOT NULL,
    object_class TEXT NOT NULL,
    ident TEXT NOT NULL,
    object TEXT,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_modifications_class ON modifications(object_class, ident);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', '1');
`
