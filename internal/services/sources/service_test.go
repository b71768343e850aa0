package sources

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/plugins"
	badgerstore "github.com/ternarybob/corpus/internal/storage/badger"
)

type fakeProvider struct {
	interfaces.Provider
	verifyErr error
}

func (p *fakeProvider) Type() string { return models.ProviderLocalDir }

func (p *fakeProvider) Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error) {
	var conn struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(connection, &conn); err != nil || conn.Token == "" {
		return nil, errors.New("token required")
	}
	return &models.ConnectResult{Connection: json.RawMessage(`{"token":"` + conn.Token + `","normalised":true}`)}, nil
}

func (p *fakeProvider) VerifyConnection(ctx context.Context, source *models.Source) error {
	return p.verifyErr
}

func (p *fakeProvider) HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error) {
	return &models.EntrypointUpdate{Entrypoint: entrypoint, State: json.RawMessage(`{}`)}, nil
}

func (p *fakeProvider) ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error {
	if string(entrypoint) == `{}` {
		return errors.New("path required")
	}
	return nil
}

type fakeDeleter struct {
	storage interfaces.SourceStorage
	calls   []string
}

func (d *fakeDeleter) ScheduleDeleteSourceJob(ctx context.Context, sourceID string) (*models.Job, error) {
	d.calls = append(d.calls, sourceID)
	if err := d.storage.DeleteSource(ctx, sourceID); err != nil {
		return nil, err
	}
	return &models.Job{ID: "job-delete", Kind: models.JobKindDeleteSource, Status: models.JobStatusCompleted}, nil
}

func newTestService(t *testing.T) (*Service, *fakeProvider, *fakeDeleter) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	registry := plugins.NewRegistry(storage.Database(), nil, logger)
	provider := &fakeProvider{}
	registry.RegisterProvider(provider)

	deleter := &fakeDeleter{storage: storage.SourceStorage()}
	return NewService(storage.SourceStorage(), registry, deleter, nil, logger), provider, deleter
}

func TestService_CreateSourceNormalisesThroughProvider(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	source, err := service.CreateSource(ctx, CreateRequest{
		Name:         "Docs",
		ProviderType: models.ProviderLocalDir,
		Connection:   json.RawMessage(`{"token":"abc"}`),
		Entrypoint:   json.RawMessage(`{"path":"/srv/docs"}`),
		Schedule:     "@hourly",
	})
	require.NoError(t, err)
	assert.True(t, source.Connected)
	assert.False(t, source.Initialized)
	assert.Equal(t, models.SourceIdle, source.Lifecycle)
	assert.JSONEq(t, `{"token":"abc","normalised":true}`, string(source.Connection))

	stored, err := service.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, "Docs", stored.Name)
	assert.JSONEq(t, `{"path":"/srv/docs"}`, string(stored.Entrypoint))
}

func TestService_CreateSourceRejectsInvalidInput(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string]CreateRequest{
		"missing name":     {ProviderType: models.ProviderLocalDir},
		"unknown provider": {Name: "x", ProviderType: "ftp"},
		"bad schedule":     {Name: "x", ProviderType: models.ProviderLocalDir, Schedule: "every tuesday"},
		"bad entrypoint":   {Name: "x", ProviderType: models.ProviderLocalDir, Entrypoint: json.RawMessage(`{}`)},
	}
	for name, req := range cases {
		_, err := service.CreateSource(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidSource, name)
	}

	_, err := service.CreateSource(ctx, CreateRequest{Name: "x", ProviderType: models.ProviderLocalDir, Connection: json.RawMessage(`{}`)})
	assert.Equal(t, models.ErrCodeProviderInvalidConnection, models.CodeOf(err))
}

func TestService_VerifyConnectionTracksConnectedFlag(t *testing.T) {
	service, provider, _ := newTestService(t)
	ctx := context.Background()

	source, err := service.CreateSource(ctx, CreateRequest{Name: "Docs", ProviderType: models.ProviderLocalDir, Connection: json.RawMessage(`{"token":"abc"}`)})
	require.NoError(t, err)

	provider.verifyErr = errors.New("expired")
	assert.Error(t, service.VerifyConnection(ctx, source.ID))
	stored, err := service.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.False(t, stored.Connected)

	_, err = service.ListEntrypointOptions(ctx, source.ID, "")
	assert.Equal(t, models.ErrCodeProviderNotConnected, models.CodeOf(err))

	provider.verifyErr = nil
	require.NoError(t, service.VerifyConnection(ctx, source.ID))
	stored, err = service.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.True(t, stored.Connected)
}

func TestService_DeleteSourceRunsDeleteJob(t *testing.T) {
	service, _, deleter := newTestService(t)
	ctx := context.Background()

	source, err := service.CreateSource(ctx, CreateRequest{Name: "Docs", ProviderType: models.ProviderLocalDir})
	require.NoError(t, err)

	require.NoError(t, service.DeleteSource(ctx, source.ID))
	assert.Equal(t, []string{source.ID}, deleter.calls)

	_, err = service.GetSource(ctx, source.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
