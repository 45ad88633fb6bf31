package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	tipmw "ecotip/services/tipgateway/middleware"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/storage"
)

func setupCtlEnv(t *testing.T) (string, models.Creator) {
	t.Helper()
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "ecotip.db")
	t.Setenv("ECOTIP_DATABASE_URL", dbURL)
	t.Setenv("ECOTIP_STRIPE_SECRET_KEY", "sk_test_ctl")
	t.Setenv("ECOTIP_STRIPE_WEBHOOK_SECRET", "whsec_ctl")
	t.Setenv("ECOTIP_JWT_SECRET", "ctl-secret")

	db, err := storage.Open(dbURL, storage.Options{MaxOpenConns: 1})
	require.NoError(t, err)
	creator := models.Creator{ID: uuid.New(), Handle: "alice", Email: "alice@example.com", DisplayName: "Alice"}
	require.NoError(t, db.Create(&creator).Error)
	require.NoError(t, db.Create(&models.ImpactTotals{
		CreatorID: creator.ID,
		CO2Tonnes: decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	return dbURL, creator
}

func TestIssueTokenByHandle(t *testing.T) {
	_, creator := setupCtlEnv(t)

	token, expires, err := issueToken("", "", "alice")
	require.NoError(t, err)
	require.True(t, expires.After(time.Now()))

	auth := tipmw.NewAuthenticator(tipmw.AuthConfig{HMACSecret: "ctl-secret", Issuer: "ecotip"}, nil)
	subject, err := auth.Verify(token)
	require.NoError(t, err)
	require.Equal(t, creator.ID, subject)
}

func TestIssueTokenRequiresOneSelector(t *testing.T) {
	_, _, err := issueToken("", "", "")
	require.Error(t, err)
	_, _, err = issueToken("", uuid.NewString(), "alice")
	require.Error(t, err)
}

func TestIssueTokenUnknownHandle(t *testing.T) {
	setupCtlEnv(t)
	_, _, err := issueToken("", "", "nobody")
	require.Error(t, err)
}

func TestAuditOnceDryRun(t *testing.T) {
	setupCtlEnv(t)

	report, err := auditOnce("", true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Creators)
	require.Empty(t, report.Drifted)
	require.Empty(t, report.CSVPath)
}
