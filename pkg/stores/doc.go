// Package stores provides the SQLite-backed build index: which scripts have
// compiled artifacts, the content hashes the compile cache keys on, and the
// persistent compile problems feed the editor shows across sessions.
package stores
