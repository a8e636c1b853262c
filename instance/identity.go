// Package instance pins down what this running agent is: a stable identity
// persisted alongside the store, and an exclusive lock so two daemons never
// drive the same lifecycle.
package instance

import (
	"crypto/rand"
	"database/sql"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/teranos/RONIN/errors"
)

// Identity is this installation's agent id. Generated on first start, it
// lives with the database so lock files, logs and status surfaces agree on
// who this agent is across restarts.
type Identity struct {
	ID        string
	CreatedAt time.Time
}

// LoadOrCreate returns the persisted identity, generating one on first boot
func LoadOrCreate(db *sql.DB, logger *zap.SugaredLogger) (*Identity, error) {
	id, err := load(db)
	if err != nil {
		return nil, err
	}
	if id != nil {
		logger.Debugw("Loaded agent identity", "instance_id", id.ID)
		return id, nil
	}

	id, err = generate()
	if err != nil {
		return nil, err
	}
	if err := save(db, id); err != nil {
		return nil, err
	}
	logger.Infow("Generated agent identity", "instance_id", id.ID)
	return id, nil
}

func load(db *sql.DB) (*Identity, error) {
	var id Identity
	err := db.QueryRow("SELECT instance_id, created_at FROM agent_identity WHERE id = 1").
		Scan(&id.ID, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load agent identity")
	}
	return &id, nil
}

func generate() (*Identity, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, "failed to generate instance id")
	}
	return &Identity{
		ID:        base58.Encode(buf),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func save(db *sql.DB, id *Identity) error {
	_, err := db.Exec(
		"INSERT INTO agent_identity (id, instance_id, created_at) VALUES (1, ?, ?)",
		id.ID, id.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to persist agent identity")
	}
	return nil
}
