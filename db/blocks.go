package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const (
	sqlInsertBlock = `INSERT INTO blocked_domains(domain, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET reason = excluded.reason`
	sqlDeleteBlock  = `DELETE FROM blocked_domains WHERE domain = ?`
	sqlSelectBlocks = `SELECT domain, reason, created_at FROM blocked_domains ORDER BY domain`
)

// BlockedDomain is an entry of the instance block list
type BlockedDomain struct {
	Domain    string
	Reason    string
	CreatedAt time.Time
}

func normalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

// BlockDomain adds a domain to the block list. Subdomains are blocked with it.
func (db *DB) BlockDomain(ctx context.Context, domain, reason string) error {
	domain = normalizeDomain(domain)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertBlock, domain, reason, millis(db.now()))
		return err
	})
}

// UnblockDomain removes a domain and reports whether it was listed
func (db *DB) UnblockDomain(ctx context.Context, domain string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteBlock, normalizeDomain(domain))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// ReadBlockedDomains lists the block list
func (db *DB) ReadBlockedDomains(ctx context.Context) ([]BlockedDomain, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectBlocks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []BlockedDomain
	for rows.Next() {
		var b BlockedDomain
		var created int64
		if err := rows.Scan(&b.Domain, &b.Reason, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = fromMillis(created)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// IsBlocked reports whether host or any of its parent domains is blocked
func (db *DB) IsBlocked(ctx context.Context, host string) (bool, error) {
	host = normalizeDomain(host)
	if host == "" {
		return false, nil
	}
	var candidates []any
	for d := host; d != ""; {
		candidates = append(candidates, d)
		i := strings.Index(d, ".")
		if i < 0 {
			break
		}
		d = d[i+1:]
	}

	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_domains WHERE domain IN (`+placeholders(len(candidates))+`)`,
		candidates...).Scan(&n)
	return n > 0, err
}
