package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"crewline/internal/domain"
)

// HashAPIKey returns the stored digest for a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,agent_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.AgentID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

// FindAPIKeyByHash resolves a key digest to its owning agent.
func (r Repo) FindAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,agent_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&k.ID, &k.AgentID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, err
}
