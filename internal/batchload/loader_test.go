package batchload

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var missingKeyErr = errors.New("ERROR: Load into table 'events' failed. (detail: S3ServiceException:The specified key does not exist.,Status 404)")

func twoTargetConfig() WatchConfig {
	cfg := testConfig("landing/sales")
	second := cfg.LoadTargets[0]
	second.Endpoint = "wh2.example.com"
	second.EncryptedPassword = "enc:pw2"
	cfg.LoadTargets = append(cfg.LoadTargets, second)
	return cfg
}

var testManifest = ManifestLocation{Bucket: "manifests", Key: "loads/manifest/manifest-1"}

func TestLoadTargetsRetriesAllowListedErrors(t *testing.T) {
	f := newFixture(t)
	f.warehouse.fail("wh1.example.com", missingKeyErr, missingKeyErr)

	results := f.engine.LoadTargets(context.Background(), testConfig("landing/sales"), testManifest)
	require.Len(t, results, 1)
	assert.Equal(t, TargetOK, results[0].Status)
	assert.Equal(t, "wh1.example.com:5439/dev.events", results[0].Target)
	assert.Equal(t, 3, f.warehouse.calls("wh1.example.com"))
	assert.Equal(t, []time.Duration{60 * time.Millisecond, 120 * time.Millisecond}, f.sleepLog())
	assert.Equal(t, "pw1", f.warehouse.passwords["wh1.example.com"])
}

func TestLoadTargetsStopsOnOtherErrors(t *testing.T) {
	f := newFixture(t)
	f.warehouse.fail("wh1.example.com", errors.New("permission denied for relation events"))

	results := f.engine.LoadTargets(context.Background(), testConfig("landing/sales"), testManifest)
	assert.Equal(t, TargetError, results[0].Status)
	assert.Contains(t, results[0].Error, "permission denied")
	assert.Equal(t, 1, f.warehouse.calls("wh1.example.com"))
}

func TestLoadTargetsExhaustsRetries(t *testing.T) {
	f := newFixture(t, func(o *EngineOptions) { o.MaxLoadRetries = 3 })
	f.warehouse.fail("wh1.example.com", missingKeyErr, missingKeyErr, missingKeyErr, missingKeyErr)

	results := f.engine.LoadTargets(context.Background(), testConfig("landing/sales"), testManifest)
	assert.Equal(t, TargetError, results[0].Status)
	assert.Contains(t, results[0].Error, ErrRetriesExhausted.Error())
	assert.Equal(t, 3, f.warehouse.calls("wh1.example.com"))
}

func TestLoadTargetsIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.warehouse.fail("wh2.example.com", errors.New("connection refused"))

	results := f.engine.LoadTargets(context.Background(), twoTargetConfig(), testManifest)
	require.Len(t, results, 2)
	assert.Equal(t, TargetOK, results[0].Status)
	assert.Equal(t, TargetError, results[1].Status)
	assert.Equal(t, "pw2", f.warehouse.passwords["wh2.example.com"])
}

func TestLoadTargetsRefusesShortBudget(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := f.engine.LoadTargets(ctx, testConfig("landing/sales"), testManifest)
	assert.Equal(t, TargetError, results[0].Status)
	assert.Contains(t, results[0].Error, ErrInsufficientBudget.Error())
	assert.Zero(t, f.warehouse.totalCalls())
}

func TestLoadTargetsUsesBudgetForStatementTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	f.engine.LoadTargets(ctx, testConfig("landing/sales"), testManifest)
	statement := f.warehouse.statements["wh1.example.com"][0]
	assert.True(t, strings.HasPrefix(statement, "set statement_timeout to 49"), statement)
}

func TestLoadTargetsUsesConfiguredObjectStoreKeys(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.AccessKeyForS3 = "CFGKEY"
	cfg.EncryptedSecretKeyForS3 = "enc:cfgsecret"

	f.engine.LoadTargets(context.Background(), cfg, testManifest)
	statement := f.warehouse.statements["wh1.example.com"][0]
	assert.Contains(t, statement, "aws_access_key_id=CFGKEY;aws_secret_access_key=cfgsecret'")
	assert.Contains(t, statement, "from 's3://manifests/loads/manifest/manifest-1'")
}

func TestLoadTargetsFailsOnUndecryptablePassword(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig("landing/sales")
	cfg.LoadTargets[0].EncryptedPassword = "plaintext"

	results := f.engine.LoadTargets(context.Background(), cfg, testManifest)
	assert.Equal(t, TargetError, results[0].Status)
	assert.Contains(t, results[0].Error, "decrypt password")
	assert.Zero(t, f.warehouse.totalCalls())
}
