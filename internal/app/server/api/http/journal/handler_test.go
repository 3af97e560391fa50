package journal

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/exp/slog"

	"echokeeper/internal/app/server/api/http/middleware/auth"
	"echokeeper/internal/domain/journal"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Create(ctx context.Context, userID int, req journal.CreateRequest) (*journal.CreateResponse, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*journal.CreateResponse), args.Error(1)
}

func (m *MockService) Update(ctx context.Context, userID int, id string, req journal.UpdateRequest) (*journal.UpdateResponse, error) {
	args := m.Called(ctx, userID, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*journal.UpdateResponse), args.Error(1)
}

func (m *MockService) Delete(ctx context.Context, userID int, id, deviceID string) error {
	args := m.Called(ctx, userID, id, deviceID)
	return args.Error(0)
}

func (m *MockService) List(ctx context.Context, userID int) (journal.ListResponse, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(journal.ListResponse), args.Error(1)
}

func (m *MockService) UploadAudio(ctx context.Context, userID int, id string, blob []byte) error {
	args := m.Called(ctx, userID, id, blob)
	return args.Error(0)
}

func (m *MockService) DownloadAudio(ctx context.Context, userID int, id string) ([]byte, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func TestHandler_Create(t *testing.T) {
	userID := 42
	authCtx := auth.WithUserID(context.Background(), userID)
	committed := time.Now().UTC()

	t.Run("Success", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		req := journal.CreateRequest{ID: "entry-1", EncryptedMeta: "b64blob"}
		svc.On("Create", mock.Anything, userID, req).Return(&journal.CreateResponse{
			ID:            "entry-1",
			RemoteVersion: 1,
			CommittedAt:   committed,
		}, nil)

		out, err := h.create(authCtx, &createInput{Body: req})

		assert.NoError(t, err)
		assert.Equal(t, int64(1), out.Body.RemoteVersion)
		assert.Equal(t, "entry-1", out.Body.ID)
		svc.AssertExpectations(t)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		_, err := h.create(context.Background(), &createInput{})

		assert.Error(t, err)
		svc.AssertNotCalled(t, "Create")
	})

	t.Run("InvalidData", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("Create", mock.Anything, userID, mock.Anything).
			Return(nil, journal.ErrInvalidData)

		_, err := h.create(authCtx, &createInput{})

		assert.Error(t, err)
	})
}

func TestHandler_Update(t *testing.T) {
	userID := 42
	authCtx := auth.WithUserID(context.Background(), userID)
	committed := time.Now().UTC()

	t.Run("Success", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		req := journal.UpdateRequest{EncryptedMeta: "b64blob", BaseVersion: 3}
		svc.On("Update", mock.Anything, userID, "entry-1", req).Return(&journal.UpdateResponse{
			ID:            "entry-1",
			RemoteVersion: 4,
			CommittedAt:   committed,
		}, nil)

		out, err := h.update(authCtx, &updateInput{ID: "entry-1", Body: req})

		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, out.Status)
		assert.Equal(t, int64(4), out.Body.RemoteVersion)
		assert.False(t, out.Body.Deleted)
	})

	t.Run("Conflict_Returns409WithServerState", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("Update", mock.Anything, userID, "entry-1", mock.Anything).
			Return(nil, &journal.VersionConflictError{State: journal.ConflictResponse{
				ID:            "entry-1",
				RemoteVersion: 7,
				CommittedAt:   committed,
				Deleted:       false,
				EncryptedMeta: "winner-b64",
			}})

		out, err := h.update(authCtx, &updateInput{ID: "entry-1"})

		assert.NoError(t, err)
		assert.Equal(t, http.StatusConflict, out.Status)
		assert.Equal(t, int64(7), out.Body.RemoteVersion)
		assert.Equal(t, "winner-b64", out.Body.EncryptedMeta)
	})

	t.Run("Conflict_DeletedOnServer", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("Update", mock.Anything, userID, "entry-1", mock.Anything).
			Return(nil, &journal.VersionConflictError{State: journal.ConflictResponse{
				ID:            "entry-1",
				RemoteVersion: 2,
				CommittedAt:   committed,
				Deleted:       true,
			}})

		out, err := h.update(authCtx, &updateInput{ID: "entry-1"})

		assert.NoError(t, err)
		assert.Equal(t, http.StatusConflict, out.Status)
		assert.True(t, out.Body.Deleted)
	})

	t.Run("NotFound", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("Update", mock.Anything, userID, "missing", mock.Anything).
			Return(nil, journal.ErrNotFound)

		_, err := h.update(authCtx, &updateInput{ID: "missing"})

		assert.Error(t, err)
	})
}

func TestHandler_Delete(t *testing.T) {
	userID := 42
	authCtx := auth.WithUserID(context.Background(), userID)

	t.Run("Success", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("Delete", mock.Anything, userID, "entry-1", "dev-1").Return(nil)

		out, err := h.delete(authCtx, &deleteInput{ID: "entry-1", DeviceID: "dev-1"})

		assert.NoError(t, err)
		assert.Equal(t, "Ok", out.Body.Status)
	})

	t.Run("NotFound", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("Delete", mock.Anything, userID, "missing", "").
			Return(journal.ErrNotFound)

		_, err := h.delete(authCtx, &deleteInput{ID: "missing"})

		assert.Error(t, err)
	})
}

func TestHandler_List(t *testing.T) {
	userID := 42
	authCtx := auth.WithUserID(context.Background(), userID)

	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil)

	svc.On("List", mock.Anything, userID).Return(journal.ListResponse{
		Entries: []journal.Entry{
			{ID: "entry-1", RemoteVersion: 2},
			{ID: "entry-2", RemoteVersion: 1},
		},
	}, nil)

	out, err := h.list(authCtx, &listInput{})

	assert.NoError(t, err)
	assert.Len(t, out.Body.Entries, 2)
}

func TestHandler_UploadAudio(t *testing.T) {
	userID := 42
	authCtx := auth.WithUserID(context.Background(), userID)
	blob := []byte{0x01, 0x0c, 0xde, 0xad}

	t.Run("Success", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("UploadAudio", mock.Anything, userID, "entry-1", blob).Return(nil)

		out, err := h.uploadAudio(authCtx, &uploadAudioInput{ID: "entry-1", RawBody: blob})

		assert.NoError(t, err)
		assert.Equal(t, "Ok", out.Body.Status)
	})

	t.Run("EntryNotFound", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil)

		svc.On("UploadAudio", mock.Anything, userID, "missing", blob).
			Return(journal.ErrNotFound)

		_, err := h.uploadAudio(authCtx, &uploadAudioInput{ID: "missing", RawBody: blob})

		assert.Error(t, err)
	})
}

func TestHandler_DownloadAudio(t *testing.T) {
	userID := 42
	authCtx := auth.WithUserID(context.Background(), userID)

	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil)

	blob := []byte{0x01, 0x0c, 0xaa}
	svc.On("DownloadAudio", mock.Anything, userID, "entry-1").Return(blob, nil)

	out, err := h.downloadAudio(authCtx, &downloadAudioInput{ID: "entry-1"})

	assert.NoError(t, err)
	assert.Equal(t, blob, out.Body)
	assert.Equal(t, "application/octet-stream", out.ContentType)
}
