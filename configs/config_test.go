package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppConfig_RequiresAPIKey(t *testing.T) {
	os.Unsetenv("API_KEY")
	_, err := LoadAppConfig("")
	assert.Error(t, err)
}

func TestLoadAppConfig_AppliesDefaults(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	cfg, err := LoadAppConfig("")
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, 0.0001, cfg.DefaultOutbidMargin)
	assert.Equal(t, 60, cfg.DefaultLoopSeconds)
	assert.Equal(t, 5, cfg.BidsPerMinute)
}

func TestLoadAppConfig_EnvOverridesDefault(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("DEFAULT_LOOP", "120")
	cfg, err := LoadAppConfig("")
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.DefaultLoopSeconds)
}

func TestLoadCollections_AppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collections.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"symbol":"sym1","minBid":0.001,"maxBid":0.01,"minFloorBid":10,"maxFloorBid":90,"offerType":"ITEM"}
	]`), 0o600))

	app := &AppConfig{DefaultOutbidMargin: 0.0002, DefaultLoopSeconds: 45}
	cfgs, err := LoadCollections(path, app)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "sym1", cfgs[0].Symbol)
	assert.Equal(t, 0.0002, cfgs[0].OutBidMargin)
	assert.Equal(t, 45, cfgs[0].ScheduledLoopSeconds)
	assert.Equal(t, 1, cfgs[0].BidCount)
}

func TestLoadCollections_RejectsInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collections.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"symbol":"sym1","minBid":0.01,"maxBid":0.001,"offerType":"ITEM"}
	]`), 0o600))

	_, err := LoadCollections(path, &AppConfig{})
	assert.Error(t, err)
}

func TestParseWalletsDocument_Flat(t *testing.T) {
	doc, err := ParseWalletsDocument([]byte(`{"wallets":[{"label":"w0","wif":"abc"}],"bidsPerMinute":5}`))
	require.NoError(t, err)
	require.NotNil(t, doc.Flat)
	assert.Nil(t, doc.Groups)
	assert.Len(t, doc.Flat.Wallets, 1)
	assert.Equal(t, 5, doc.Flat.BidsPerMinute)
}

func TestParseWalletsDocument_Grouped(t *testing.T) {
	doc, err := ParseWalletsDocument([]byte(`{
		"groups":{"fast":{"wallets":[{"label":"w0","wif":"abc"}],"bidsPerMinute":10}},
		"defaultGroup":"fast"
	}`))
	require.NoError(t, err)
	assert.Nil(t, doc.Flat)
	require.Contains(t, doc.Groups, "fast")
	assert.Equal(t, "fast", doc.DefaultGroup)
	assert.Equal(t, 10, doc.Groups["fast"].BidsPerMinute)
}
