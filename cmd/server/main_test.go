package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow/backend/internal/config"
	"orderflow/backend/internal/document"
	"orderflow/backend/internal/notify"
	"orderflow/backend/internal/store/memory"
)

func TestValidateSecurityConfig(t *testing.T) {
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short"}))
	assert.Error(t, validateSecurityConfig(config.Config{
		AuthSecret: "0123456789abcdef0123456789abcdef", AppEnv: "production", AllowedOrigin: "*",
	}))
	assert.NoError(t, validateSecurityConfig(config.Config{
		AuthSecret: "0123456789abcdef0123456789abcdef", AppEnv: "production", AllowedOrigin: "https://shop.example.com",
	}))
}

func TestOpenRepositoryFallsBackToSeededMemory(t *testing.T) {
	repo, health, err := openRepository(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, health)
	assert.IsType(t, &memory.Store{}, repo)

	_, err = repo.GetOrder(context.Background(), "ord-1001")
	assert.NoError(t, err)
}

func TestBuildNotifierDefaultsToLog(t *testing.T) {
	n, err := buildNotifier(config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &notify.LogNotifier{}, n)
}

func TestBuildDocumentsWithoutArchive(t *testing.T) {
	gen, err := buildDocuments(context.Background(), config.Config{DocumentDir: t.TempDir(), DocumentFormat: "html"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &document.FileGenerator{}, gen)
}
