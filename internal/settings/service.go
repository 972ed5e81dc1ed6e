// Package settings persists the application settings file and answers the
// typed settings queries other components make.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/runtime"
)

// ResourceLimits bounds an agent container.
type ResourceLimits struct {
	CPU    float64 `json:"cpu"`
	Memory string  `json:"memory"`
}

// ContainerSettings selects the runner, image and limits.
type ContainerSettings struct {
	ContainerRunner string         `json:"containerRunner"`
	AgentImage      string         `json:"agentImage"`
	ResourceLimits  ResourceLimits `json:"resourceLimits"`
}

// AppSettings holds desktop-shell preferences the core also reads.
type AppSettings struct {
	ShowMenuBarIcon         bool   `json:"showMenuBarIcon"`
	AutoSleepTimeoutMinutes int    `json:"autoSleepTimeoutMinutes"`
	ChromeProfileID         string `json:"chromeProfileId,omitempty"`
	UseHostBrowser          bool   `json:"useHostBrowser,omitempty"`
	SetupCompleted          bool   `json:"setupCompleted"`
	AllowPrereleaseUpdates  bool   `json:"allowPrereleaseUpdates,omitempty"`
}

// APIKeys are stored keys; env-sourced values act as fallbacks at read time.
type APIKeys struct {
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty"`
	ComposioAPIKey  string `json:"composioApiKey,omitempty"`
	ComposioUserID  string `json:"composioUserId,omitempty"`
}

// ModelSettings names the models used by the in-container runtime.
type ModelSettings struct {
	AgentModel      string `json:"agentModel"`
	SummarizerModel string `json:"summarizerModel"`
	BrowserModel    string `json:"browserModel"`
}

// AgentLimits caps the in-container runtime.
type AgentLimits struct {
	MaxOutputTokens   *int     `json:"maxOutputTokens,omitempty"`
	MaxThinkingTokens *int     `json:"maxThinkingTokens,omitempty"`
	MaxTurns          *int     `json:"maxTurns,omitempty"`
	MaxBudgetUSD      *float64 `json:"maxBudgetUsd,omitempty"`
}

// Settings is the persisted shape of settings.json. The field set is closed.
type Settings struct {
	Container     ContainerSettings `json:"container"`
	App           AppSettings       `json:"app"`
	APIKeys       APIKeys           `json:"apiKeys"`
	Models        ModelSettings     `json:"models"`
	Skillsets     []string          `json:"skillsets"`
	CustomEnvVars map[string]string `json:"customEnvVars"`
	AgentLimits   AgentLimits       `json:"agentLimits"`
}

// Update is a partial settings change. Nil sections are unchanged. In
// APIKeys, an empty string deletes the key and nil leaves it unchanged.
type Update struct {
	Container *struct {
		ContainerRunner *string         `json:"containerRunner"`
		AgentImage      *string         `json:"agentImage"`
		ResourceLimits  *ResourceLimits `json:"resourceLimits"`
	} `json:"container"`
	App *struct {
		ShowMenuBarIcon         *bool   `json:"showMenuBarIcon"`
		AutoSleepTimeoutMinutes *int    `json:"autoSleepTimeoutMinutes"`
		ChromeProfileID         *string `json:"chromeProfileId"`
		UseHostBrowser          *bool   `json:"useHostBrowser"`
		SetupCompleted          *bool   `json:"setupCompleted"`
		AllowPrereleaseUpdates  *bool   `json:"allowPrereleaseUpdates"`
	} `json:"app"`
	APIKeys *struct {
		AnthropicAPIKey *string `json:"anthropicApiKey"`
		ComposioAPIKey  *string `json:"composioApiKey"`
		ComposioUserID  *string `json:"composioUserId"`
	} `json:"apiKeys"`
	Models        *ModelSettings    `json:"models"`
	Skillsets     *[]string         `json:"skillsets"`
	CustomEnvVars map[string]string `json:"customEnvVars"`
	AgentLimits   *AgentLimits      `json:"agentLimits"`
}

// RunningChecker reports whether any agent container is running. Runner and
// limit changes are rejected while one is.
type RunningChecker interface {
	HasRunningAgents() bool
}

// Service owns settings.json.
type Service struct {
	path    string
	envKeys config.AppConfig
	running RunningChecker
	logger  *logger.Logger

	mu       sync.Mutex
	settings Settings
}

// NewService loads (or initializes) settings.json in the data dir.
func NewService(dataDir string, envKeys config.AppConfig, log *logger.Logger) (*Service, error) {
	s := &Service{
		path:    filepath.Join(dataDir, "settings.json"),
		envKeys: envKeys,
		logger:  log.WithFields(zap.String("component", "settings")),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRunningChecker wires the container manager in after construction; the
// manager itself needs settings at construction time.
func (s *Service) SetRunningChecker(rc RunningChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = rc
}

func defaults() Settings {
	return Settings{
		Container: ContainerSettings{
			ContainerRunner: runtime.RunnerDocker,
			AgentImage:      "ghcr.io/skillfulagents/agent:latest",
			ResourceLimits:  ResourceLimits{CPU: 2, Memory: "4g"},
		},
		App: AppSettings{
			ShowMenuBarIcon:         true,
			AutoSleepTimeoutMinutes: 30,
		},
		Models: ModelSettings{
			AgentModel:      "claude-sonnet-4-5",
			SummarizerModel: "claude-haiku-4-5",
			BrowserModel:    "claude-haiku-4-5",
		},
		Skillsets:     []string{},
		CustomEnvVars: map[string]string{},
	}
}

func (s *Service) load() error {
	s.settings = defaults()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.persistLocked()
	}
	if err != nil {
		return apperr.Internal("failed to read settings", err)
	}
	if err := json.Unmarshal(data, &s.settings); err != nil {
		return apperr.Internal("settings file is corrupt", err)
	}
	if s.settings.Skillsets == nil {
		s.settings.Skillsets = []string{}
	}
	if s.settings.CustomEnvVars == nil {
		s.settings.CustomEnvVars = map[string]string{}
	}
	return nil
}

func (s *Service) persistLocked() error {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return apperr.Internal("failed to serialize settings", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return apperr.Internal("failed to create data directory", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return apperr.Internal("failed to write settings", err)
	}
	return nil
}

// Get returns a snapshot of the current settings.
func (s *Service) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Apply merges an update into the settings and persists the result.
// Container runner and resource limit changes are rejected with Conflict
// while agents run; a rejected update leaves the stored settings unchanged.
func (s *Service) Apply(update *Update) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings

	if update.Container != nil {
		restricted := (update.Container.ContainerRunner != nil && *update.Container.ContainerRunner != next.Container.ContainerRunner) ||
			(update.Container.ResourceLimits != nil && *update.Container.ResourceLimits != next.Container.ResourceLimits)
		if restricted && s.running != nil && s.running.HasRunningAgents() {
			return s.settings, apperr.Conflict("container settings cannot change while agents are running")
		}
		if update.Container.ContainerRunner != nil {
			if _, known := map[string]bool{runtime.RunnerDocker: true, runtime.RunnerPodman: true, runtime.RunnerApple: true}[*update.Container.ContainerRunner]; !known {
				return s.settings, apperr.Validation("unknown container runner")
			}
			next.Container.ContainerRunner = *update.Container.ContainerRunner
		}
		if update.Container.AgentImage != nil {
			next.Container.AgentImage = *update.Container.AgentImage
		}
		if update.Container.ResourceLimits != nil {
			next.Container.ResourceLimits = *update.Container.ResourceLimits
		}
	}

	if update.App != nil {
		if update.App.ShowMenuBarIcon != nil {
			next.App.ShowMenuBarIcon = *update.App.ShowMenuBarIcon
		}
		if update.App.AutoSleepTimeoutMinutes != nil {
			if *update.App.AutoSleepTimeoutMinutes < 0 {
				return s.settings, apperr.Validation("autoSleepTimeoutMinutes cannot be negative")
			}
			next.App.AutoSleepTimeoutMinutes = *update.App.AutoSleepTimeoutMinutes
		}
		if update.App.ChromeProfileID != nil {
			next.App.ChromeProfileID = *update.App.ChromeProfileID
		}
		if update.App.UseHostBrowser != nil {
			next.App.UseHostBrowser = *update.App.UseHostBrowser
		}
		if update.App.SetupCompleted != nil {
			next.App.SetupCompleted = *update.App.SetupCompleted
		}
		if update.App.AllowPrereleaseUpdates != nil {
			next.App.AllowPrereleaseUpdates = *update.App.AllowPrereleaseUpdates
		}
	}

	if update.APIKeys != nil {
		applyKey(&next.APIKeys.AnthropicAPIKey, update.APIKeys.AnthropicAPIKey)
		applyKey(&next.APIKeys.ComposioAPIKey, update.APIKeys.ComposioAPIKey)
		applyKey(&next.APIKeys.ComposioUserID, update.APIKeys.ComposioUserID)
	}

	if update.Models != nil {
		next.Models = *update.Models
	}
	if update.Skillsets != nil {
		next.Skillsets = *update.Skillsets
	}
	if update.CustomEnvVars != nil {
		next.CustomEnvVars = update.CustomEnvVars
	}
	if update.AgentLimits != nil {
		next.AgentLimits = *update.AgentLimits
	}

	prev := s.settings
	s.settings = next
	if err := s.persistLocked(); err != nil {
		s.settings = prev
		return s.settings, err
	}
	return s.settings, nil
}

// applyKey implements the api-key merge rule: nil leaves unchanged, empty
// string deletes, anything else replaces.
func applyKey(dst *string, src *string) {
	if src == nil {
		return
	}
	*dst = *src
}

// FactoryReset restores defaults and persists.
func (s *Service) FactoryReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = defaults()
	return s.persistLocked()
}

// ContainerRunner returns the configured runner name.
func (s *Service) ContainerRunner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Container.ContainerRunner
}

// AgentImage returns the configured agent image reference.
func (s *Service) AgentImage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Container.AgentImage
}

// ResourceLimits returns the configured container limits.
func (s *Service) ResourceLimits() (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Container.ResourceLimits.CPU, s.settings.Container.ResourceLimits.Memory
}

// AutoSleepTimeout returns the idle timeout; zero disables auto-sleep.
func (s *Service) AutoSleepTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.settings.App.AutoSleepTimeoutMinutes) * time.Minute
}

// AnthropicAPIKey returns the stored key, falling back to the environment.
func (s *Service) AnthropicAPIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.APIKeys.AnthropicAPIKey != "" {
		return s.settings.APIKeys.AnthropicAPIKey
	}
	return s.envKeys.AnthropicAPIKey
}

// ComposioAPIKey returns the stored key, falling back to the environment.
func (s *Service) ComposioAPIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.APIKeys.ComposioAPIKey != "" {
		return s.settings.APIKeys.ComposioAPIKey
	}
	return s.envKeys.ComposioAPIKey
}

// ComposioUserID returns the stored id, falling back to the environment.
func (s *Service) ComposioUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.APIKeys.ComposioUserID != "" {
		return s.settings.APIKeys.ComposioUserID
	}
	return s.envKeys.ComposioUserID
}

// CustomEnv returns the configured custom environment variables.
func (s *Service) CustomEnv() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings.CustomEnvVars))
	for k, v := range s.settings.CustomEnvVars {
		out[k] = v
	}
	return out
}

// ModelConfig returns the configured model names.
func (s *Service) ModelConfig() ModelSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Models
}
