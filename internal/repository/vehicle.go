package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/langchou/smartgazer/internal/models"
)

// VehicleRepository 车辆数据仓库，凭据与车辆同行存储
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository 创建车辆仓库
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

const selectVehicle = `
	SELECT v.id, v.smartcar_id, u.external_id,
	       COALESCE(v.make, ''), COALESCE(v.model, ''), COALESCE(v.year, 0),
	       v.access_token, v.refresh_token, v.token_expires_at, v.credential_invalid,
	       v.created_at, v.updated_at
	FROM vehicles v JOIN users u ON u.id = v.user_id
`

func scanVehicle(row pgx.Row) (*models.Vehicle, error) {
	v := &models.Vehicle{}
	var (
		access, refresh *string
		expires         *time.Time
	)
	err := row.Scan(
		&v.ID,
		&v.SmartcarID,
		&v.UserID,
		&v.Make,
		&v.Model,
		&v.Year,
		&access,
		&refresh,
		&expires,
		&v.Credential.Invalid,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if access != nil {
		v.Credential.AccessToken = *access
	}
	if refresh != nil {
		v.Credential.RefreshToken = *refresh
	}
	if expires != nil {
		v.Credential.ExpiresAt = *expires
	}
	return v, nil
}

func getVehicle(ctx context.Context, q querier, smartcarID string) (*models.Vehicle, error) {
	v, err := scanVehicle(q.QueryRow(ctx, selectVehicle+` WHERE v.smartcar_id = $1`, smartcarID))
	if err != nil {
		return nil, fmt.Errorf("get vehicle %s: %w", smartcarID, notFound(err))
	}
	return v, nil
}

// GetVehicle 通过 Smartcar ID 获取车辆
func (r *VehicleRepository) GetVehicle(ctx context.Context, smartcarID string) (*models.Vehicle, error) {
	return getVehicle(ctx, r.db.Pool, smartcarID)
}

// UpsertVehicle 写入车辆属性。车辆不存在时以 ownerID 创建；
// 已存在时只更新非空属性，归属用户不变。
func (r *VehicleRepository) UpsertVehicle(ctx context.Context, attrs models.VehicleAttributes, ownerID string) (*models.Vehicle, bool, error) {
	var (
		vehicle *models.Vehicle
		created bool
	)
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		update := `
			UPDATE vehicles SET
				make = COALESCE(NULLIF($2, ''), make),
				model = COALESCE(NULLIF($3, ''), model),
				year = COALESCE(NULLIF($4, 0), year),
				updated_at = NOW()
			WHERE smartcar_id = $1
		`
		tag, err := tx.Exec(ctx, update, attrs.SmartcarID, attrs.Make, attrs.Model, attrs.Year)
		if err != nil {
			return fmt.Errorf("update vehicle: %w", err)
		}

		// 只有新建车辆时才创建归属用户
		if tag.RowsAffected() == 0 {
			userID, err := ensureUser(ctx, tx, ownerID)
			if err != nil {
				return err
			}

			insert := `
				INSERT INTO vehicles (smartcar_id, user_id, make, model, year, created_at, updated_at)
				VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, 0), NOW(), NOW())
				ON CONFLICT (smartcar_id) DO UPDATE SET
					make = COALESCE(EXCLUDED.make, vehicles.make),
					model = COALESCE(EXCLUDED.model, vehicles.model),
					year = COALESCE(EXCLUDED.year, vehicles.year),
					updated_at = NOW()
				RETURNING (xmax = 0)
			`
			if err := tx.QueryRow(ctx, insert,
				attrs.SmartcarID,
				userID,
				attrs.Make,
				attrs.Model,
				attrs.Year,
			).Scan(&created); err != nil {
				return fmt.Errorf("insert vehicle: %w", err)
			}
		}

		vehicle, err = getVehicle(ctx, tx, attrs.SmartcarID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return vehicle, created, nil
}

// SaveCredential 原子覆盖 access/refresh token 和过期时间，并清除失效标记
func (r *VehicleRepository) SaveCredential(ctx context.Context, smartcarID string, cred models.Credential) error {
	query := `
		UPDATE vehicles SET
			access_token = $2,
			refresh_token = $3,
			token_expires_at = $4,
			credential_invalid = FALSE,
			updated_at = NOW()
		WHERE smartcar_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, smartcarID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save credential for %s: %w", smartcarID, ErrNotFound)
	}
	return nil
}

// InvalidateCredential 刷新失败后标记凭据失效
func (r *VehicleRepository) InvalidateCredential(ctx context.Context, smartcarID string) error {
	query := `
		UPDATE vehicles SET credential_invalid = TRUE, updated_at = NOW()
		WHERE smartcar_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, smartcarID)
	if err != nil {
		return fmt.Errorf("invalidate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invalidate credential for %s: %w", smartcarID, ErrNotFound)
	}
	return nil
}

// ListVehicles 获取所有车辆
func (r *VehicleRepository) ListVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	return r.list(ctx, selectVehicle+` ORDER BY v.id`)
}

// ListVehiclesByUser 获取某个用户的车辆
func (r *VehicleRepository) ListVehiclesByUser(ctx context.Context, userID string) ([]*models.Vehicle, error) {
	return r.list(ctx, selectVehicle+` WHERE u.external_id = $1 ORDER BY v.id`, userID)
}

func (r *VehicleRepository) list(ctx context.Context, query string, args ...any) ([]*models.Vehicle, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []*models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}
