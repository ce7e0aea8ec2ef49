package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRetentionPolicy inserts a named, ordered list of retention
// rules (keep-newest-n, keep-oldest-n, regex keep/drop,
// pin/unpin, drop-older-than-interval). Rule order is preserved via
// an explicit ordinal column since application order is significant.
func (db *DB) CreateRetentionPolicy(ctx context.Context, p RetentionPolicy) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO retention (name, created) VALUES (?, ?)`, p.Name, formatTime(time.Now().UTC()))
		if err != nil {
			return wrap("create-retention-policy", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return wrap("create-retention-policy", err)
		}
		for i, rule := range p.Rules {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO retention_rules (retention_id, ord, type, value) VALUES (?, ?, ?, ?)`,
				id, i, rule.Type, rule.Value); err != nil {
				return wrap("create-retention-policy: rule", err)
			}
		}
		return nil
	})
	return id, err
}

// GetRetentionPolicy looks up a policy by name along with its ordered
// rules.
func (db *DB) GetRetentionPolicy(ctx context.Context, name string) (RetentionPolicy, error) {
	var p RetentionPolicy
	var created string
	err := db.conn.QueryRowContext(ctx, `SELECT id, name, created FROM retention WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return RetentionPolicy{}, wrap("get-retention-policy", fmt.Errorf("policy %q not found", name))
	}
	if err != nil {
		return RetentionPolicy{}, wrap("get-retention-policy", err)
	}
	p.Created = parseTime(created)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT type, value FROM retention_rules WHERE retention_id = ? ORDER BY ord`, p.ID)
	if err != nil {
		return RetentionPolicy{}, wrap("get-retention-policy: rules", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r RetentionRule
		var typ string
		if err := rows.Scan(&typ, &r.Value); err != nil {
			return RetentionPolicy{}, wrap("get-retention-policy: rules", err)
		}
		r.Type = RetentionRuleType(typ)
		p.Rules = append(p.Rules, r)
	}
	return p, wrap("get-retention-policy: rules", rows.Err())
}

// ListRetentionPolicies returns the names and creation times of every
// configured policy, without their rules.
func (db *DB) ListRetentionPolicies(ctx context.Context) ([]RetentionPolicy, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, created FROM retention ORDER BY name`)
	if err != nil {
		return nil, wrap("list-retention-policies", err)
	}
	defer rows.Close()

	var out []RetentionPolicy
	for rows.Next() {
		var p RetentionPolicy
		var created string
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, wrap("list-retention-policies", err)
		}
		p.Created = parseTime(created)
		out = append(out, p)
	}
	return out, wrap("list-retention-policies", rows.Err())
}
