package settings

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/runtime"
)

type stubRunning bool

func (s stubRunning) HasRunningAgents() bool { return bool(s) }

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), config.AppConfig{}, logger.Default())
	require.NoError(t, err)
	return svc
}

func applyJSON(t *testing.T, svc *Service, body string) (Settings, error) {
	t.Helper()
	var update Update
	require.NoError(t, json.Unmarshal([]byte(body), &update))
	return svc.Apply(&update)
}

func TestDefaultsPersistOnFirstLoad(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir, config.AppConfig{}, logger.Default())
	require.NoError(t, err)

	got := svc.Get()
	assert.Equal(t, runtime.RunnerDocker, got.Container.ContainerRunner)
	assert.Equal(t, 30, got.App.AutoSleepTimeoutMinutes)

	// Reopening reads the same settings back.
	again, err := NewService(dir, config.AppConfig{}, logger.Default())
	require.NoError(t, err)
	assert.Equal(t, got, again.Get())
}

func TestPartialUpdateLeavesOtherSectionsUntouched(t *testing.T) {
	svc := newTestService(t)

	applied, err := applyJSON(t, svc, `{"app":{"autoSleepTimeoutMinutes":5}}`)
	require.NoError(t, err)
	assert.Equal(t, 5, applied.App.AutoSleepTimeoutMinutes)
	assert.Equal(t, runtime.RunnerDocker, applied.Container.ContainerRunner)
	assert.True(t, applied.App.ShowMenuBarIcon)
}

func TestAPIKeyMergeSemantics(t *testing.T) {
	svc := newTestService(t)

	// Set a key.
	_, err := applyJSON(t, svc, `{"apiKeys":{"anthropicApiKey":"sk-test-1"}}`)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1", svc.Get().APIKeys.AnthropicAPIKey)

	// Omitted key is unchanged.
	_, err = applyJSON(t, svc, `{"apiKeys":{"composioApiKey":"ck-1"}}`)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1", svc.Get().APIKeys.AnthropicAPIKey)
	assert.Equal(t, "ck-1", svc.Get().APIKeys.ComposioAPIKey)

	// Empty string deletes.
	_, err = applyJSON(t, svc, `{"apiKeys":{"anthropicApiKey":""}}`)
	require.NoError(t, err)
	assert.Empty(t, svc.Get().APIKeys.AnthropicAPIKey)
}

func TestEnvFallbackForAPIKeys(t *testing.T) {
	svc, err := NewService(t.TempDir(), config.AppConfig{AnthropicAPIKey: "env-key"}, logger.Default())
	require.NoError(t, err)

	assert.Equal(t, "env-key", svc.AnthropicAPIKey())

	_, err = applyJSON(t, svc, `{"apiKeys":{"anthropicApiKey":"stored-key"}}`)
	require.NoError(t, err)
	assert.Equal(t, "stored-key", svc.AnthropicAPIKey())
}

func TestRunnerChangeRejectedWhileAgentsRun(t *testing.T) {
	svc := newTestService(t)
	svc.SetRunningChecker(stubRunning(true))

	before := svc.Get()
	_, err := applyJSON(t, svc, `{"container":{"containerRunner":"podman"}}`)
	assert.True(t, apperr.IsKind(err, apperr.CodeConflict))
	// Stored settings are unchanged after the rejection.
	assert.Equal(t, before, svc.Get())

	svc.SetRunningChecker(stubRunning(false))
	applied, err := applyJSON(t, svc, `{"container":{"containerRunner":"podman"}}`)
	require.NoError(t, err)
	assert.Equal(t, runtime.RunnerPodman, applied.Container.ContainerRunner)
}

func TestResourceLimitChangeRejectedWhileAgentsRun(t *testing.T) {
	svc := newTestService(t)
	svc.SetRunningChecker(stubRunning(true))

	_, err := applyJSON(t, svc, `{"container":{"resourceLimits":{"cpu":8,"memory":"8g"}}}`)
	assert.True(t, apperr.IsKind(err, apperr.CodeConflict))

	// Non-restricted container fields still apply.
	applied, err := applyJSON(t, svc, `{"container":{"agentImage":"ghcr.io/x/y:2"}}`)
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/x/y:2", applied.Container.AgentImage)
}

func TestUnknownRunnerRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := applyJSON(t, svc, `{"container":{"containerRunner":"kubernetes"}}`)
	assert.True(t, apperr.IsKind(err, apperr.CodeValidation))
}

func TestFactoryResetRestoresDefaults(t *testing.T) {
	svc := newTestService(t)
	_, err := applyJSON(t, svc, `{"app":{"autoSleepTimeoutMinutes":1},"apiKeys":{"anthropicApiKey":"k"}}`)
	require.NoError(t, err)

	require.NoError(t, svc.FactoryReset())
	got := svc.Get()
	assert.Equal(t, 30, got.App.AutoSleepTimeoutMinutes)
	assert.Empty(t, got.APIKeys.AnthropicAPIKey)
}
