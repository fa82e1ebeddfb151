package repository

import (
	"context"
	"fmt"

	"github.com/langchou/smartgazer/internal/models"
)

// UserRepository 用户数据仓库
type UserRepository struct {
	db *DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// List 获取所有用户
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT id, external_id, email, created_at, updated_at
		FROM users ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.ExternalID, &user.Email, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ensureUser 插入或复用 external_id 对应的用户，返回主键
func ensureUser(ctx context.Context, q querier, externalID string) (int64, error) {
	query := `
		INSERT INTO users (external_id, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure user %s: %w", externalID, err)
	}
	return id, nil
}
