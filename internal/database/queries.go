package database

const notifyChannel = "documents"

const getDocumentQuery = `
SELECT data, present, version
FROM documents
WHERE path = $1`

// reserveDocumentQuery inserts an absent placeholder row so that the
// following SELECT ... FOR UPDATE has a row to lock even for documents that
// do not exist yet.
const reserveDocumentQuery = `
INSERT INTO documents (path, collection, data, present, version)
VALUES ($1, $2, '{}'::jsonb, FALSE, 0)
ON CONFLICT (path) DO NOTHING`

const lockDocumentQuery = `
SELECT data, present
FROM documents
WHERE path = $1
FOR UPDATE`

const nextVersionQuery = `SELECT nextval('document_versions')`

const writeDocumentQuery = `
UPDATE documents
SET data = $2, present = $3, version = $4, updated_at = NOW()
WHERE path = $1`

const notifyQuery = `SELECT pg_notify($1, $2)`

const queryArrayContains = `
SELECT path, data, version
FROM documents
WHERE collection = $1
AND present
AND data -> $2 ? $3
ORDER BY path`
