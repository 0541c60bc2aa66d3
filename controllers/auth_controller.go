package controllers

import (
	"errors"
	"net/http"
	"time"

	"ml_backend_project/middleware"
	"ml_backend_project/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuthController issues access tokens for the API and WebSocket surface
type AuthController struct {
	db        *gorm.DB
	jwtSecret string
	limiter   *middleware.RateLimiter
}

// NewAuthController creates an auth controller
func NewAuthController(db *gorm.DB, jwtSecret string, limiter *middleware.RateLimiter) *AuthController {
	return &AuthController{db: db, jwtSecret: jwtSecret, limiter: limiter}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Register creates a new user account
func (ac *AuthController) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	user := &models.User{
		Email:    req.Email,
		FullName: req.FullName,
		Role:     "user",
		IsActive: true,
	}
	if err := user.SetPassword(req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to hash password"})
		return
	}

	if err := ac.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create user"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// Login verifies credentials and returns an access token
func (ac *AuthController) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ip := c.ClientIP()

	var user models.User
	err := ac.db.Where("email = ? AND is_active = ?", req.Email, true).First(&user).Error
	if err != nil || !user.CheckPassword(req.Password) {
		ac.limiter.RecordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid email or password"})
		return
	}

	ac.limiter.RecordSuccess(ip)

	token, err := middleware.GenerateToken(&user, ac.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue token"})
		return
	}

	now := time.Now()
	user.LastLoginAt = &now
	ac.db.Model(&user).Update("last_login_at", now)

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  user,
	})
}
