package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/internal/account"
	"github.com/vnmchuo/agent-gateway/internal/auth"
)

const (
	TestAPIKey     = "test-api-key-12345"
	TestTenantID   = "tenant-demo"
	TestTokenLimit = 1000000
)

// Seed creates a development API key and a demo tenant budget so the
// dashboard has something to show on a fresh database.
func Seed(ctx context.Context, keys auth.Store, accounts account.Store, logger *zap.Logger) {
	h := sha256.Sum256([]byte(TestAPIKey))

	apiKey := &auth.APIKey{
		TenantID: TestTenantID,
		KeyHash:  hex.EncodeToString(h[:]),
		Active:   true,
	}

	if err := keys.Create(ctx, apiKey); err != nil {
		logger.Info("seed API key may already exist, skipping", zap.Error(err))
	} else {
		logger.Info("seeded test API key",
			zap.String("key", TestAPIKey),
			zap.String("tenant_id", TestTenantID),
		)
	}

	if err := accounts.SetLimit(ctx, TestTenantID, TestTokenLimit); err != nil {
		logger.Warn("failed to seed demo tenant limit", zap.Error(err))
		return
	}
	logger.Info("seeded demo tenant budget",
		zap.String("tenant_id", TestTenantID),
		zap.Int64("token_limit", TestTokenLimit),
	)
}
