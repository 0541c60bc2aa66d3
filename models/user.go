package models

import (
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User represents an account that owns sessions
type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Email        string     `gorm:"uniqueIndex;not null" json:"email"`
	FullName     string     `json:"full_name"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Role         string     `gorm:"default:'user'" json:"role"` // user, admin
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SetPassword hashes and sets the password for the user
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword verifies the provided password against the stored hash
func (u *User) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// IsAdmin reports whether the user may access the operational surface
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// MigrateUserModels runs database migrations for user-related models
func MigrateUserModels(db *gorm.DB) error {
	return db.AutoMigrate(&User{})
}

// SeedDefaultAdminUser creates the default admin account if none exists
func SeedDefaultAdminUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&User{}).Where("role = ?", "admin").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	admin := &User{
		Email:    "admin@localhost",
		FullName: "Default Admin",
		Role:     "admin",
		IsActive: true,
	}
	if err := admin.SetPassword("admin123"); err != nil {
		return err
	}
	if err := db.Create(admin).Error; err != nil {
		return err
	}

	log.Println("Seeded default admin user (admin@localhost) - change the password before exposing the service")
	return nil
}
