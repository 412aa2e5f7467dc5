package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
	"live-classroom/internal/repository/mocks"
	"live-classroom/internal/service"
)

// --- 测试 Register 方法 ---

func TestAuthService_Register_Success(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, err := service.NewAuthService(mockUserRepo, "very-secret-key", 1)
	require.NoError(t, err, "创建 AuthService 不应失败")

	ctx := context.Background()
	username := "newbie"
	password := "StrongPass123"
	email := "newbie@example.com"

	mockUserRepo.On("FindByUsername", ctx, username).Return(nil, repository.ErrUserNotFound).Once()
	mockUserRepo.On("Save", ctx, mock.MatchedBy(func(user *domain.User) bool {
		assert.Equal(t, username, user.Username)
		assert.Equal(t, domain.UserRoleStudent, user.Role, "未指定角色时默认为 STUDENT")
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)), "密码应被正确哈希")
		return true
	})).
		Run(func(args mock.Arguments) {
			userArg := args.Get(1).(*domain.User)
			userArg.ID = 5
			userArg.CreatedAt = time.Now().Add(-time.Second)
		}).
		Return(nil).
		Once()

	// Act
	registeredUser, err := authService.Register(ctx, username, password, email, "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, uint(5), registeredUser.ID)
	assert.Empty(t, registeredUser.Password, "返回的用户密码应为空")
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Register_UsernameTaken(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "secret", 1)
	ctx := context.Background()
	mockUserRepo.On("FindByUsername", ctx, "existingUser").Return(&domain.User{ID: 10, Username: "existingUser"}, nil).Once()

	// Act
	_, err := authService.Register(ctx, "existingUser", "password", "email@test.com", domain.UserRoleTeacher)

	// Assert
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrRegistrationFailed))
	mockUserRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestAuthService_Register_SaveFails_DuplicateEntry(t *testing.T) {
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "secret", 1)
	ctx := context.Background()
	mockUserRepo.On("FindByUsername", ctx, "racer").Return(nil, repository.ErrUserNotFound).Once()
	mockUserRepo.On("Save", ctx, mock.AnythingOfType("*domain.User")).Return(repository.ErrDuplicateEntry).Once()

	_, err := authService.Register(ctx, "racer", "password", "", "")

	assert.ErrorIs(t, err, service.ErrRegistrationFailed)
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Register_AdminRoleRejected(t *testing.T) {
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "secret", 1)

	_, err := authService.Register(context.Background(), "boss", "password", "", domain.UserRoleAdmin)

	assert.ErrorIs(t, err, service.ErrInvalidRole)
	mockUserRepo.AssertNotCalled(t, "FindByUsername", mock.Anything, mock.Anything)
}

// --- 测试 Login / VerifyToken ---

func TestAuthService_LoginThenVerifyToken(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	ctx := context.Background()
	hashed, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	userInDb := &domain.User{ID: 1, Username: "testuser", Password: string(hashed), Role: domain.UserRoleTeacher}
	mockUserRepo.On("FindByUsername", ctx, "testuser").Return(userInDb, nil).Once()
	mockUserRepo.On("FindByID", ctx, uint(1)).Return(&domain.User{ID: 1, Role: domain.UserRoleTeacher}, nil).Once()

	// Act
	token, err := authService.Login(ctx, "testuser", "password123")
	require.NoError(t, err)
	identity, err := authService.VerifyToken(ctx, token)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, uint(1), identity.UserID)
	assert.Equal(t, domain.UserRoleTeacher, identity.Role)
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Login_UserNotFound(t *testing.T) {
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	ctx := context.Background()
	mockUserRepo.On("FindByUsername", ctx, "nonexistent").Return(nil, repository.ErrUserNotFound).Once()

	token, err := authService.Login(ctx, "nonexistent", "password")

	require.Error(t, err)
	assert.Empty(t, token)
	assert.True(t, errors.Is(err, service.ErrAuthenticationFailed))
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Login_IncorrectPassword(t *testing.T) {
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	ctx := context.Background()
	hashed, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	mockUserRepo.On("FindByUsername", ctx, "testuser").Return(&domain.User{ID: 1, Username: "testuser", Password: string(hashed)}, nil).Once()

	token, err := authService.Login(ctx, "testuser", "wrongpassword")

	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)
	assert.Empty(t, token)
}

func TestAuthService_VerifyToken_Rejects(t *testing.T) {
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	other, _ := service.NewAuthService(mockUserRepo, "other-secret", 24)
	ctx := context.Background()

	hashed, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	mockUserRepo.On("FindByUsername", ctx, "u").Return(&domain.User{ID: 2, Username: "u", Password: string(hashed)}, nil)
	foreignToken, err := other.Login(ctx, "u", "pw")
	require.NoError(t, err)

	_, err = authService.VerifyToken(ctx, foreignToken)
	assert.ErrorIs(t, err, service.ErrAuthenticationFailed, "签名不匹配")
	_, err = authService.VerifyToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)

	// 用户已被删除
	mockUserRepo.On("FindByID", ctx, uint(2)).Return(nil, repository.ErrUserNotFound).Once()
	ownToken, err := authService.Login(ctx, "u", "pw")
	require.NoError(t, err)
	_, err = authService.VerifyToken(ctx, ownToken)
	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)
}
