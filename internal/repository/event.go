package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/langchou/smartgazer/internal/models"
)

// EventRepository 事件数据仓库，事件只追加不修改
type EventRepository struct {
	db          *DB
	placeholder string
}

// NewEventRepository 创建事件仓库。placeholderUserID 用于为未知车辆创建归属用户。
func NewEventRepository(db *DB, placeholderUserID string) *EventRepository {
	return &EventRepository{db: db, placeholder: placeholderUserID}
}

const selectEvent = `
	SELECT e.id, v.smartcar_id, e.event_type, e.recorded_at, e.data, e.meta, e.raw_data, e.created_at
	FROM events e JOIN vehicles v ON v.id = e.vehicle_id
`

func scanEvent(row pgx.Row) (*models.Event, error) {
	e := &models.Event{}
	var data, meta, raw []byte
	err := row.Scan(
		&e.ID,
		&e.VehicleID,
		&e.Type,
		&e.RecordedAt,
		&data,
		&meta,
		&raw,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Data, e.Meta, e.RawData = data, meta, raw
	return e, nil
}

// Append 写入一条事件。车辆不存在时先以占位用户创建车辆。
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	if !event.Type.Valid() {
		return fmt.Errorf("append event: %w: %q", ErrInvalidEventType, event.Type)
	}

	insert := `
		INSERT INTO events (vehicle_id, event_type, recorded_at, data, meta, raw_data, created_at)
		SELECT v.id, $2, $3, $4, $5, $6, NOW()
		FROM vehicles v WHERE v.smartcar_id = $1
		RETURNING id, created_at
	`
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		args := []any{
			event.VehicleID,
			string(event.Type),
			event.RecordedAt,
			[]byte(event.Data),
			nullJSON(event.Meta),
			nullJSON(event.RawData),
		}

		err := tx.QueryRow(ctx, insert, args...).Scan(&event.ID, &event.CreatedAt)
		if !errors.Is(err, pgx.ErrNoRows) {
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			return nil
		}

		userID, err := ensureUser(ctx, tx, r.placeholder)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO vehicles (smartcar_id, user_id, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (smartcar_id) DO NOTHING
		`, event.VehicleID, userID); err != nil {
			return fmt.Errorf("insert placeholder vehicle: %w", err)
		}

		if err := tx.QueryRow(ctx, insert, args...).Scan(&event.ID, &event.CreatedAt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

// Latest 获取某车辆某类型时间最新的事件，时间相同时后写入者优先
func (r *EventRepository) Latest(ctx context.Context, vehicleID string, eventType models.EventType) (*models.Event, error) {
	query := selectEvent + `
		WHERE v.smartcar_id = $1 AND e.event_type = $2
		ORDER BY e.recorded_at DESC, e.id DESC
		LIMIT 1
	`
	e, err := scanEvent(r.db.Pool.QueryRow(ctx, query, vehicleID, string(eventType)))
	if err != nil {
		return nil, fmt.Errorf("get latest %s event: %w", eventType, notFound(err))
	}
	return e, nil
}

// ListByVehicle 获取车辆全部事件，按时间倒序
func (r *EventRepository) ListByVehicle(ctx context.Context, vehicleID string) ([]*models.Event, error) {
	query := selectEvent + `
		WHERE v.smartcar_id = $1
		ORDER BY e.recorded_at DESC, e.id DESC
	`
	return r.list(ctx, query, vehicleID)
}

// List 获取全部事件
func (r *EventRepository) List(ctx context.Context) ([]*models.Event, error) {
	return r.list(ctx, selectEvent+` ORDER BY e.id`)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Purge 删除所有事件，返回删除条数
func (r *EventRepository) Purge(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
