package analyzer

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/wisp-vpn/wisp/internal/l3"
	"github.com/wisp-vpn/wisp/internal/util"
	_ "modernc.org/sqlite"
)

// schemaVersion is the current flow-journal schema, driven by pragma
// user_version. Migrations are forward-only.
const schemaVersion = 1

// Logger implements Analyzer against a SQLite flow journal. AddFlow is what
// the Split engine calls as it opens each flow; GotHostname and GotProtocol
// are provided for a protocol-sniffing monitor to drive (the original's
// monitor(span, *this) callback, not included in this port — see Analyze
// below) but nothing in this repo currently calls them outside tests.
type Logger struct {
	baseAnalyzer
	db *sql.DB

	// rowid tracks journaled flows so repeated updates don't need a
	// SELECT round-trip; keyed by the canonical Five.
	rowid map[l3.Five]int64

	// chain tracks the last-accepted protocol chain per flow in memory —
	// only the leaf protocol value is persisted to the database, matching
	// the original's flow_to_protocol_chain_ side table.
	chain map[l3.Five]string
}

// OpenLoggerDatabase opens (creating if needed) the SQLite journal at path,
// applies the pragma sequence and forward-only migration from
// original_source's LoggerDatabase constructor, and returns a ready Logger.
func OpenLoggerDatabase(path string) (*Logger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("analyzer: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite + WAL: single writer keeps this simple and correct

	pragmas := []string{
		"pragma journal_mode=wal",
		"pragma secure_delete=on",
		"pragma synchronous=full",
		"pragma application_id=0",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("analyzer: %s: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Logger{db: db, rowid: make(map[l3.Five]int64), chain: make(map[l3.Five]string)}
	l.log = NewDNSLog()
	return l, nil
}

// migrate reads the current user_version and applies any pending schema
// changes in a transaction. An unknown (future) version is a fatal
// schema-version mismatch per spec.md §7.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("pragma user_version").Scan(&version); err != nil {
		return fmt.Errorf("analyzer: read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("analyzer: database schema version %d is newer than supported %d", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("analyzer: begin migration: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		if _, err := tx.Exec(`
			create table flow (
				id integer primary key,
				start real not null,
				layer4 text not null,
				src_addr text not null,
				src_port integer not null,
				dst_addr text not null,
				dst_port integer not null,
				protocol text,
				hostname text
			)`); err != nil {
			return fmt.Errorf("analyzer: create flow table: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("pragma user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("analyzer: set user_version: %w", err)
	}
	return tx.Commit()
}

// Analyze is intentionally a no-op here: the original drives it into
// monitor(span, *this), a protocol-sniffing pass over each outbound span
// that calls GotHostname/GotProtocol as it recognizes HTTP Host headers and
// TLS SNI. That inspector is out of scope for this port, so flows are
// journaled only when opened (AddFlow); GotHostname/GotProtocol
// remain here as the interface a monitor would drive, unwired.
func (l *Logger) Analyze(span l3.Span) {}

// AddFlow is idempotent: if five is not already journaled, INSERT a row
// with julianday('now') and the five-tuple; remember the rowid. If DnsLog
// already has the target IP, immediately UPDATE hostname.
func (l *Logger) AddFlow(five l3.Five) error {
	if _, ok := l.rowid[five]; ok {
		return nil
	}

	res, err := l.db.Exec(
		`insert into flow (start, layer4, src_addr, src_port, dst_addr, dst_port) values (julianday('now'), ?, ?, ?, ?, ?)`,
		five.Proto.String(), five.Source.Host.String(), five.Source.Port, five.Target.Host.String(), five.Target.Port,
	)
	if err != nil {
		return fmt.Errorf("analyzer: insert flow: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("analyzer: last insert id: %w", err)
	}
	l.rowid[five] = id

	if name, ok := l.log.Lookup(five.Target.Host); ok {
		if _, err := l.db.Exec(`update flow set hostname=? where id=?`, name, id); err != nil {
			return fmt.Errorf("analyzer: update hostname on insert: %w", err)
		}
	}
	return nil
}

// GotHostname updates a journaled flow's hostname by rowid. It is fatal
// (per spec.md §7's "invariant violation") if the flow is unknown.
func (l *Logger) GotHostname(five l3.Five, name string) error {
	id, ok := l.rowid[five]
	if !ok {
		return fmt.Errorf("analyzer: GotHostname on unknown flow %s", five)
	}
	_, err := l.db.Exec(`update flow set hostname=? where id=?`, name, id)
	if err != nil {
		return fmt.Errorf("analyzer: update hostname: %w", err)
	}
	return nil
}

// specificity counts the ':' separators in a protocol chain string
// (e.g. "tcp:http" has one). GotProtocol only accepts updates whose chain
// is at least as specific as what's already recorded.
func specificity(chain string) int {
	return strings.Count(chain, ":")
}

// GotProtocol updates a journaled flow's protocol column by rowid, but only
// if the new chain has at least as many ':' separators as the previously
// recorded chain — specificity is monotone non-decreasing.
func (l *Logger) GotProtocol(five l3.Five, protocol, chain string) error {
	id, ok := l.rowid[five]
	if !ok {
		return fmt.Errorf("analyzer: GotProtocol on unknown flow %s", five)
	}

	if prevChain, ok := l.chain[five]; ok && specificity(chain) < specificity(prevChain) {
		util.LogDebug("analyzer: ignoring less-specific protocol update %q for flow %d (have %q)", chain, id, prevChain)
		return nil
	}
	l.chain[five] = chain

	if _, err := l.db.Exec(`update flow set protocol=? where id=?`, protocol, id); err != nil {
		return fmt.Errorf("analyzer: update protocol: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Logger) Close() error {
	return l.db.Close()
}
