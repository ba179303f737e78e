package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("user_not_found")
	ErrInvalidEmail = errors.New("email_invalid")
	ErrUnverified   = errors.New("email_unverified")
)

// User is owned by the account service; this module only reads it.
type User struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Username      string       `gorm:"type:text;not null;default:''"`
	Email         string       `gorm:"type:text;not null"`
	EmailVerified bool         `gorm:"column:email_verified;not null;default:false"`
	CreatedAt     time.Time    `gorm:"not null"`
	UpdatedAt     time.Time    `gorm:"not null"`
}

func (User) TableName() string { return "users" }

var validate = validator.New()

// CheckContactable reports why the user cannot be sent purchase mail, if at all.
func (u *User) CheckContactable() error {
	email := strings.TrimSpace(u.Email)
	if email == "" || validate.Var(email, "required,email") != nil {
		return ErrInvalidEmail
	}
	if !u.EmailVerified {
		return ErrUnverified
	}
	return nil
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	Create(ctx context.Context, db *gorm.DB, user *User) error
}
