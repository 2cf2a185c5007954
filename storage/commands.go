package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"listing_ledger/models"
)

// =============================================================================
// Commands
// =============================================================================

func (s *queries) InsertCommand(ctx context.Context, cmd models.CommandType, params any) (int64, error) {
	var raw *string
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("encode command params: %w", err)
		}
		v := string(data)
		raw = &v
	}
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO command (command, params, created_at) VALUES ($1, $2, $3) RETURNING id`,
		cmd, raw, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	return id, nil
}

func (s *queries) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.query(ctx, `
		SELECT id, command, params, created_at FROM command
		WHERE processed_at IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("get pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var c models.Command
		var params *string
		var created sqlTime
		if err := rows.Scan(&c.ID, &c.Command, &params, &created); err != nil {
			return nil, err
		}
		if params != nil {
			c.Params = json.RawMessage(*params)
		}
		c.CreatedAt = created.Time
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *queries) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE command SET processed_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark command processed: %w", err)
	}
	return nil
}
