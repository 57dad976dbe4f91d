package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"zconnect-engine/internal/models"

	"go.uber.org/zap"
)

// EventDefinitionRepository 事件定义仓库
// 事件定义由目录管理端创建/编辑，对引擎只读
type EventDefinitionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventDefinitionRepository 创建事件定义仓库
func NewEventDefinitionRepository(db *sql.DB, logger *zap.Logger) *EventDefinitionRepository {
	return &EventDefinitionRepository{
		db:     db,
		logger: logger,
	}
}

// GetDefinition 获取单条事件定义
func (r *EventDefinitionRepository) GetDefinition(ctx context.Context, definitionID int64) (*models.EventDefinition, error) {
	query := `
		SELECT id, product_id, ref, condition, actions, debounce_window, enabled, scheduled
		FROM event_definitions
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, definitionID)
	def, err := scanDefinition(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("event definition not found: %d", definitionID)
		}
		return nil, fmt.Errorf("failed to query event definition: %w", err)
	}

	return def, nil
}

// GetEnabledByProduct 获取产品下所有启用的事件定义
func (r *EventDefinitionRepository) GetEnabledByProduct(ctx context.Context, productID string) ([]models.EventDefinition, error) {
	query := `
		SELECT id, product_id, ref, condition, actions, debounce_window, enabled, scheduled
		FROM event_definitions
		WHERE product_id = $1 AND enabled = true
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.EventDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event definition row: %w", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event definition rows: %w", err)
	}

	return defs, nil
}

// scanner 兼容 sql.Row 和 sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row scanner) (*models.EventDefinition, error) {
	var def models.EventDefinition
	var actionsJSON []byte

	if err := row.Scan(
		&def.ID,
		&def.ProductID,
		&def.Ref,
		&def.Condition,
		&actionsJSON,
		&def.DebounceWindow,
		&def.Enabled,
		&def.Scheduled,
	); err != nil {
		return nil, err
	}

	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &def.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
		}
	}

	return &def, nil
}
