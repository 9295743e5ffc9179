package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadCoordinator_CurrentAndGeneration(t *testing.T) {
	rc := NewReloadCoordinator(validConfig(), nil)
	assert.Equal(t, int64(0), rc.Generation())
	assert.Equal(t, 10, rc.Current().SamplingIntervalSeconds)

	next := *validConfig()
	next.SamplingIntervalSeconds = 20
	require.NoError(t, rc.Reload(&next))

	assert.Equal(t, int64(1), rc.Generation())
	assert.Equal(t, 20, rc.Current().SamplingIntervalSeconds)
}

func TestReloadCoordinator_RejectsInvalidConfig(t *testing.T) {
	rc := NewReloadCoordinator(validConfig(), nil)

	bad := *validConfig()
	bad.SamplingIntervalSeconds = 0
	err := rc.Reload(&bad)
	assert.Error(t, err)

	// generation unchanged, current config still the valid one
	assert.Equal(t, int64(0), rc.Generation())
	assert.Equal(t, 10, rc.Current().SamplingIntervalSeconds)
}

func TestReloadCoordinator_ConcurrentReads(t *testing.T) {
	rc := NewReloadCoordinator(validConfig(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rc.Current()
			_ = rc.Generation()
		}()
	}
	wg.Wait()
}
