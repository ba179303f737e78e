package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	userdomain "github.com/smallbiznis/ticketstack/internal/user/domain"
	"gorm.io/gorm"
)

type repository struct{}

func Provide() userdomain.Repository {
	return &repository{}
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*userdomain.User, error) {
	var user userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, email, email_verified, created_at, updated_at
		 FROM users
		 WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repository) Create(ctx context.Context, db *gorm.DB, user *userdomain.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Username = strings.TrimSpace(user.Username)
	return db.WithContext(ctx).Create(user).Error
}
