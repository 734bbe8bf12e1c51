package repo

import (
	"context"
	"database/sql"
)

// GetProcessedOp looks up a stored idempotency token. Returns the cached
// result JSON and whether the token exists.
func (r Repo) GetProcessedOp(ctx context.Context, token string) (string, bool, error) {
	var result string
	err := r.DB.QueryRowContext(ctx, `SELECT result_json FROM processed_ops WHERE token=?`, token).Scan(&result)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

// StoreProcessedOp records a completed mutating operation inside the same
// transaction that committed it, so the token and the state change are
// atomic. OR IGNORE keeps a racing duplicate from failing the commit.
func (r Repo) StoreProcessedOp(ctx context.Context, tx *sql.Tx, token, agentID, op, resultJSON, createdAt string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_ops(token,agent_id,op,result_json,created_at) VALUES (?,?,?,?,?)`,
		token, nullable(agentID), op, resultJSON, createdAt)
	return err
}

// EvictProcessedOpsBefore drops tokens older than the retention cutoff.
func (r Repo) EvictProcessedOpsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM processed_ops WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
