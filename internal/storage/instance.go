package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/genropy/mail-proxy/internal/domain"
)

// GetInstance loads the singleton instance row, creating a default one on
// first access so callers never have to special-case "not yet configured".
func (s *Store) GetInstance(ctx context.Context) (*domain.Instance, error) {
	var inst domain.Instance
	var bag []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT name, api_token_hash, edition, config_bag FROM instance WHERE id = 1`,
	).Scan(&inst.Name, &inst.APIToken, &inst.Edition, &bag)
	if err == sql.ErrNoRows {
		if err := s.initInstance(ctx); err != nil {
			return nil, err
		}
		return &domain.Instance{Edition: domain.EditionCE, ConfigBag: map[string]any{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if len(bag) > 0 {
		if err := json.Unmarshal(bag, &inst.ConfigBag); err != nil {
			return nil, fmt.Errorf("decode instance config bag: %w", err)
		}
	}
	return &inst, nil
}

func (s *Store) initInstance(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instance (id, edition) VALUES (1, 'ce') ON CONFLICT (id) DO NOTHING`)
	return err
}

// UpdateInstance persists instance-wide settings (the name, token hash,
// edition and arbitrary config bag).
func (s *Store) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	bag, err := json.Marshal(inst.ConfigBag)
	if err != nil {
		return fmt.Errorf("encode instance config bag: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance (id, name, api_token_hash, edition, config_bag)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = $1, api_token_hash = $2, edition = $3, config_bag = $4
	`, inst.Name, inst.APIToken, inst.Edition, bag)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return nil
}
