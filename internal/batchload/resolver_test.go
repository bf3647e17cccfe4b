package batchload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/batchloader/internal/coordination"
)

func TestCollapseHiveSegments(t *testing.T) {
	cases := map[string]string{
		"landing/sales":                        "landing/sales",
		"landing/sales/dt=2026-03-14":          "landing/sales/dt=*",
		"landing/region=eu/dt=2026-03-14/hour": "landing/region=*/dt=*/hour",
		"landing/a=b=c":                        "landing/a=*",
		"landing/":                             "landing/",
	}
	for in, want := range cases {
		assert.Equal(t, want, CollapseHiveSegments(in), in)
	}
}

func TestResolveConfigWalksUpThePrefix(t *testing.T) {
	f := newFixture(t)
	putConfig(t, f, testConfig("landing/sales"))
	putConfig(t, f, testConfig("landing/sales/dt=*"))

	cfg, err := f.engine.ResolveConfig(context.Background(), "landing/sales/dt=2026-03-14/hour=09")
	require.NoError(t, err)
	assert.Equal(t, "landing/sales/dt=*", cfg.Prefix)

	cfg, err = f.engine.ResolveConfig(context.Background(), "landing/sales/archive/2026")
	require.NoError(t, err)
	assert.Equal(t, "landing/sales", cfg.Prefix)

	_, err = f.engine.ResolveConfig(context.Background(), "other/sales")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestResolveConfigVerbatimPrefixes(t *testing.T) {
	f := newFixture(t, func(o *EngineOptions) {
		o.VerbatimPrefixes = []string{"landing/team=core"}
	})
	putConfig(t, f, testConfig("landing/team=core"))
	putConfig(t, f, testConfig("landing/team=*"))

	cfg, err := f.engine.ResolveConfig(context.Background(), "landing/team=core")
	require.NoError(t, err)
	assert.Equal(t, "landing/team=core", cfg.Prefix)

	cfg, err = f.engine.ResolveConfig(context.Background(), "landing/team=ops")
	require.NoError(t, err)
	assert.Equal(t, "landing/team=*", cfg.Prefix)
}

func TestResolveConfigRetriesThrottling(t *testing.T) {
	backend := &throttlingBackend{Backend: coordination.NewMemoryBackend(), getFails: 3}
	f := newFixture(t, func(o *EngineOptions) { o.Backend = backend })
	putConfig(t, f, testConfig("landing/sales"))

	cfg, err := f.engine.ResolveConfig(context.Background(), "landing/sales")
	require.NoError(t, err)
	assert.Equal(t, "landing/sales", cfg.Prefix)
	sleeps := f.sleepLog()
	require.Len(t, sleeps, 3)
	for _, d := range sleeps {
		assert.Less(t, d, time.Second)
	}
}

func TestResolveConfigGivesUpAfterLookupRetries(t *testing.T) {
	backend := &throttlingBackend{Backend: coordination.NewMemoryBackend(), getFails: 100}
	f := newFixture(t, func(o *EngineOptions) {
		o.Backend = backend
		o.ConfigLookupRetries = 4
	})
	_, err := f.engine.ResolveConfig(context.Background(), "landing/sales")
	assert.True(t, errors.Is(err, ErrRetriesExhausted), "got %v", err)
	assert.Equal(t, 4, backend.gets)
}

func TestResolveConfigRejectsUnknownSchemaVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.backend.Mutate(context.Background(), TableWatchConfigs, "landing/old", func([]byte) ([]byte, error) {
		return []byte(`{"schemaVersion":0,"prefix":"landing/old"}`), nil
	})
	require.NoError(t, err)
	_, err = f.engine.ResolveConfig(context.Background(), "landing/old")
	assert.ErrorIs(t, err, ErrUnsupportedSchemaVersion)
}
