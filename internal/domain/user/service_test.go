package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, login, passwordHash string) (int, error) {
	args := m.Called(ctx, login, passwordHash)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) FindByLogin(ctx context.Context, login string) (User, error) {
	args := m.Called(ctx, login)
	return args.Get(0).(User), args.Error(1)
}

func TestService_Register(t *testing.T) {
	t.Run("Success_StoresBcryptHash", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, slog.Default())

		repo.On("Create", mock.Anything, "alice", mock.MatchedBy(func(hash string) bool {
			return bcrypt.CompareHashAndPassword([]byte(hash), []byte("correcthorse")) == nil
		})).Return(1, nil)

		id, err := svc.Register(context.Background(), "alice", "correcthorse")

		assert.NoError(t, err)
		assert.Equal(t, 1, id)
		repo.AssertExpectations(t)
	})

	t.Run("ShortPassword", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, slog.Default())

		_, err := svc.Register(context.Background(), "alice", "short")

		assert.ErrorIs(t, err, ErrInvalidInput)
		repo.AssertNotCalled(t, "Create")
	})

	t.Run("ShortLogin", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, slog.Default())

		_, err := svc.Register(context.Background(), "ab", "correcthorse")

		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestService_Authenticate(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correcthorse"), bcrypt.MinCost)
	stored := User{ID: 1, Login: "alice", Password: string(hash)}

	t.Run("Success", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, slog.Default())

		repo.On("FindByLogin", mock.Anything, "alice").Return(stored, nil)

		u, err := svc.Authenticate(context.Background(), "alice", "correcthorse")

		assert.NoError(t, err)
		assert.Equal(t, 1, u.ID)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, slog.Default())

		repo.On("FindByLogin", mock.Anything, "alice").Return(stored, nil)

		_, err := svc.Authenticate(context.Background(), "alice", "wrong")

		assert.ErrorIs(t, err, ErrInvalidAuth)
	})

	t.Run("UnknownLogin_SameError", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, slog.Default())

		repo.On("FindByLogin", mock.Anything, "mallory").Return(User{}, ErrNotFound)

		_, err := svc.Authenticate(context.Background(), "mallory", "whatever")

		// Несуществующий логин неотличим от неверного пароля
		assert.ErrorIs(t, err, ErrInvalidAuth)
	})
}
