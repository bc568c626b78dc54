package sqlite

// Schema DDL. Statements are idempotent so Attach can reopen an existing
// replica.
const (
	createDocuments = `CREATE TABLE IF NOT EXISTS documents (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    collection TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (collection, doc_id)
);`

	createDocFields = `CREATE TABLE IF NOT EXISTS doc_fields (
    collection TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    field TEXT NOT NULL,
    value BLOB NOT NULL,
    stamp INTEGER NOT NULL,
    site TEXT NOT NULL,
    PRIMARY KEY (collection, doc_id, field)
);`

	createChanges = `CREATE TABLE IF NOT EXISTS changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    change_id TEXT NOT NULL UNIQUE,
    op TEXT NOT NULL,
    collection TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    fields BLOB NOT NULL,
    stamp INTEGER NOT NULL,
    site TEXT NOT NULL
);`

	createPeers = `CREATE TABLE IF NOT EXISTS peers (
    site TEXT PRIMARY KEY,
    cursor INTEGER NOT NULL
);`

	createMeta = `CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

	idxDocumentsCollection = `CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, seq);`
	idxChangesCollection   = `CREATE INDEX IF NOT EXISTS idx_changes_collection ON changes(collection, seq);`
)

// metaSiteID is the meta key holding this replica's site identity.
const metaSiteID = "site_id"

// schemaDDL lists every statement Attach runs, tables before indexes.
var schemaDDL = []string{
	createDocuments,
	createDocFields,
	createChanges,
	createPeers,
	createMeta,
	idxDocumentsCollection,
	idxChangesCollection,
}
