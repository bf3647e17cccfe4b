package batchload

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestURL(t *testing.T) {
	assert.Equal(t, "s3://b/a b.csv", ManifestURL("b/a+b.csv"))
	assert.Equal(t, "s3://b/a+b.csv", ManifestURL("b/a%2Bb.csv"))
	assert.Equal(t, "s3://b/plain.csv", ManifestURL("b/plain.csv"))
}

func TestBuildManifest(t *testing.T) {
	m := BuildManifest(Batch{
		Entries:    []string{"landing/a+1.csv", "landing/b.csv"},
		EntrySizes: map[string]int64{"landing/a+1.csv": 12},
	})
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[
		{"url":"s3://landing/a 1.csv","mandatory":true,"meta":{"content_length":12}},
		{"url":"s3://landing/b.csv","mandatory":true}
	]}`, string(raw))
}

func TestWriteManifestRecordsPath(t *testing.T) {
	f := newFixture(t)
	cfg := putConfig(t, f, testConfig("landing/sales"))
	seedBatch(t, f, Batch{BatchID: "b1", Prefix: cfg.Prefix, Status: StatusLocked, Entries: []string{"landing/sales/a.csv"}})
	batch, err := f.engine.DescribeBatch(context.Background(), cfg.Prefix, "b1")
	require.NoError(t, err)

	loc, err := f.engine.WriteManifest(context.Background(), cfg, batch)
	require.NoError(t, err)
	assert.Equal(t, "manifests", loc.Bucket)
	assert.Equal(t, "loads/manifest/manifest-2026-03-14 09:26:53-42", loc.Key)
	assert.Equal(t, "manifests/loads/manifest/manifest-2026-03-14 09:26:53-42", loc.Path())

	body, ok := f.objects.get(loc.Path())
	require.True(t, ok)
	var m Manifest
	require.NoError(t, json.Unmarshal(body, &m))
	require.Len(t, m.Entries, 1)
	assert.Equal(t, "s3://landing/sales/a.csv", m.Entries[0].URL)

	batch, err = f.engine.DescribeBatch(context.Background(), cfg.Prefix, "b1")
	require.NoError(t, err)
	assert.Equal(t, loc.Path(), batch.ManifestPath)

	_, err = f.engine.WriteManifest(context.Background(), cfg, Batch{BatchID: "empty", Prefix: cfg.Prefix})
	assert.ErrorIs(t, err, ErrBatchEmpty)
}

func TestFailedManifestLocation(t *testing.T) {
	cfg := testConfig("landing/sales")
	got := failedManifestLocation(cfg, ManifestLocation{Bucket: "manifests", Key: "loads/manifest/manifest-x-1"})
	assert.Equal(t, "manifests/loads/failed/manifest-x-1", got.Path())
}
