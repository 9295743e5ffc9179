package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		SamplingIntervalSeconds: 10,
		SnapshotIntervalSeconds: 3600,
		ExcludedDatabases:       []string{"template0"},
		Repository: RepositoryConfig{
			ConnectionString: "postgres://postgres@localhost:5432/postgres",
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg.SamplingIntervalSeconds = 0
	assert.Error(t, cfg.Validate())
}

func TestApplyFrames_OverlaysKnownKeys(t *testing.T) {
	base := validConfig()
	frames := map[string]string{
		"pg_statsinfo.sampling_interval": "30",
		"pg_statsinfo.excluded_dbnames":  "template0, template1, postgres",
		"share_path":                     "/opt/pg_statsinfo/share",
	}

	next, err := ApplyFrames(base, frames)
	require.NoError(t, err)

	assert.Equal(t, 30, next.SamplingIntervalSeconds)
	assert.Equal(t, []string{"template0", "template1", "postgres"}, next.ExcludedDatabases)
	assert.Equal(t, "/opt/pg_statsinfo/share", next.Repository.SharePath)
	// base is untouched
	assert.Equal(t, 10, base.SamplingIntervalSeconds)
}

func TestApplyFrames_RejectsInvalidResult(t *testing.T) {
	base := validConfig()
	_, err := ApplyFrames(base, map[string]string{"pg_statsinfo.sampling_interval": "not-a-number"})
	assert.Error(t, err)
}

func TestConfig_AdjustSeverity(t *testing.T) {
	cfg := validConfig()
	cfg.SeverityAdjustEnabled = true
	cfg.SeverityAdjustRules = []SeverityRuleSet{
		{Target: "Error", SQLStates: []string{"42601"}},
		{Target: "Fatal", SQLStates: []string{"42601"}},
	}

	// Fatal precedes Error in the fixed evaluation order, so it wins
	// even though Error was declared first in the slice.
	target, ok := cfg.AdjustSeverity("42601")
	require.True(t, ok)
	assert.Equal(t, "FATAL", target)

	_, ok = cfg.AdjustSeverity("00000")
	assert.False(t, ok)
}
