// HTTP handlers for the self-contained auth flow of spec.md §6:
// register, verify-email, login, token refresh, logout. No external
// identity federation — every account is local.
package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/errors"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/models"
)

const (
	emailCodeTTL    = 15 * time.Minute
	refreshTokenTTL = 30 * 24 * time.Hour
)

// AuthHandler handles the register/verify/login/refresh/logout endpoints.
type AuthHandler struct {
	userDB     *db.UserDB
	tokenDB    *db.TokenDB
	jwtManager *JWTManager
	hasher     *TokenHasher
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(userDB *db.UserDB, tokenDB *db.TokenDB, jwtManager *JWTManager) *AuthHandler {
	return &AuthHandler{
		userDB:     userDB,
		tokenDB:    tokenDB,
		jwtManager: jwtManager,
		hasher:     NewTokenHasher(),
	}
}

// RegisterRoutes registers the public auth routes.
func (h *AuthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/register", h.Register)
	router.POST("/verify-email", h.VerifyEmail)
	router.POST("/login", h.Login)
	router.POST("/token/refresh", h.RefreshToken)
	router.POST("/logout", h.Logout)
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}
	if req.Password != req.PasswordConfirm {
		writeErr(c, errors.ValidationFailed("password and password_confirm must match"))
		return
	}

	ctx := c.Request.Context()

	if exists, err := h.userDB.EmailExists(ctx, req.Email); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	} else if exists {
		writeErr(c, errors.Conflict("email is already registered"))
		return
	}
	if exists, err := h.userDB.UsernameExists(ctx, req.Username); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	} else if exists {
		writeErr(c, errors.Conflict("username is already taken"))
		return
	}

	user, err := h.userDB.CreateUser(ctx, &req)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	if err := h.issueVerificationCode(ctx, user.ID, user.Email); err != nil {
		writeErr(c, errors.InternalServer("failed to issue verification code"))
		return
	}

	profile := user.ToPublicProfile()
	c.JSON(http.StatusCreated, models.AuthResponse{User: &profile})
}

// issueVerificationCode generates and stores a hashed code. In this
// deployment, dispatch to an actual mail transport is a collaborator
// outside the core's scope; the code is logged so integration tests and
// local development can complete the flow without one.
func (h *AuthHandler) issueVerificationCode(ctx context.Context, userID int64, email string) error {
	code, err := GenerateEmailCode()
	if err != nil {
		return err
	}
	hash := h.hasher.HashTokenSHA256(code)
	if err := h.tokenDB.CreateVerificationCode(ctx, userID, hash, time.Now().Add(emailCodeTTL)); err != nil {
		return err
	}
	logger.Security().Info().Str("email", email).Msg("email verification code issued")
	return nil
}

// VerifyEmail handles POST /auth/verify-email.
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req models.VerifyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	ctx := c.Request.Context()
	user, err := h.userDB.GetUserByEmail(ctx, req.Email)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if user == nil {
		writeErr(c, errors.InvalidCredentials())
		return
	}

	latest, err := h.tokenDB.LatestVerificationCode(ctx, user.ID)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if latest == nil || !h.hasher.VerifyTokenSHA256(req.Code, latest.CodeHash) {
		writeErr(c, errors.New(errors.ErrCodeValidationFailed, "invalid or expired code"))
		return
	}

	if err := h.tokenDB.ConsumeVerificationCode(ctx, latest.ID); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if err := h.userDB.MarkVerified(ctx, user.ID); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "email verified"})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	ctx := c.Request.Context()
	user, err := h.userDB.VerifyPassword(ctx, req.Email, req.Password)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if user == nil {
		writeErr(c, errors.InvalidCredentials())
		return
	}
	if !user.IsVerified {
		writeErr(c, errors.EmailNotVerified())
		return
	}

	resp, err := h.issueTokenPair(ctx, user)
	if err != nil {
		writeErr(c, errors.InternalServer("failed to issue tokens"))
		return
	}

	if err := h.userDB.SetPresence(ctx, user.ID, true, time.Now()); err != nil {
		logger.Security().Warn().Err(err).Msg("failed to set presence on login")
	}

	c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) issueTokenPair(ctx context.Context, user *models.User) (*models.AuthResponse, error) {
	accessToken, err := h.jwtManager.GenerateToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	plainRefresh, hashedRefresh, err := h.hasher.GenerateSessionToken()
	if err != nil {
		return nil, err
	}
	if err := h.tokenDB.CreateRefreshToken(ctx, user.ID, hashedRefresh, time.Now().Add(refreshTokenTTL)); err != nil {
		return nil, err
	}

	profile := user.ToPublicProfile()
	return &models.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: plainRefresh,
		User:         &profile,
	}, nil
}

// RefreshToken handles POST /auth/token/refresh: rotates the refresh
// token on every use (old one is revoked, a new one issued) so a stolen
// refresh token that gets reused after the legitimate client already
// rotated it is detectably invalid.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req models.TokenRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	ctx := c.Request.Context()
	hash := h.hasher.HashTokenSHA256(req.RefreshToken)

	stored, err := h.tokenDB.GetRefreshToken(ctx, hash)
	if err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}
	if stored == nil {
		writeErr(c, errors.TokenInvalid())
		return
	}

	user, err := h.userDB.GetUserByID(ctx, stored.UserID)
	if err != nil || user == nil {
		writeErr(c, errors.TokenInvalid())
		return
	}

	if err := h.tokenDB.RevokeRefreshToken(ctx, hash); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	resp, err := h.issueTokenPair(ctx, user)
	if err != nil {
		writeErr(c, errors.InternalServer("failed to issue tokens"))
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Logout handles POST /auth/logout: blacklists the given refresh token.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req models.TokenRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errors.ValidationFailed(err.Error()))
		return
	}

	ctx := c.Request.Context()
	hash := h.hasher.HashTokenSHA256(req.RefreshToken)
	if err := h.tokenDB.RevokeRefreshToken(ctx, hash); err != nil {
		writeErr(c, errors.DatabaseError(err))
		return
	}

	if userID, ok := GetUserID(c); ok {
		if err := h.userDB.SetPresence(ctx, userID, false, time.Now()); err != nil {
			logger.Security().Warn().Err(err).Msg("failed to clear presence on logout")
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func writeErr(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}
