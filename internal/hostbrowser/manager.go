// Package hostbrowser launches and supervises real OS browser processes with
// remote debugging enabled, one per agent. Chrome refuses remote debugging on
// the user's real profile, so each agent gets a scratch profile directory;
// the selected profile's session data is copied in on first launch only.
package hostbrowser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/common/portutil"
)

// Detection describes the host browser found on this machine.
type Detection struct {
	Available bool      `json:"available"`
	Browser   string    `json:"browser,omitempty"`
	Path      string    `json:"path,omitempty"`
	Profiles  []Profile `json:"profiles,omitempty"`
}

// Profile is one user profile of the detected browser.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Instance is a supervised browser process bound to one agent.
type Instance struct {
	AgentID         string
	PID             int
	Port            int
	UserDataDir     string
	intentionalStop bool
	cmd             *exec.Cmd
}

// Manager owns the per-agent browser registry. Exactly one instance per
// agent; ensure/stop for one agent serialize.
type Manager struct {
	cfg     config.BrowserConfig
	dataDir string
	logger  *logger.Logger
	onExit  func(agentID string)

	mu        sync.Mutex
	instances map[string]*Instance
	agentMu   map[string]*sync.Mutex
}

// NewManager creates the host browser manager. onExternalExit is invoked
// exactly once when a browser process dies without StopAgent being called.
func NewManager(cfg config.BrowserConfig, dataDir string, onExternalExit func(agentID string), log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		dataDir:   dataDir,
		onExit:    onExternalExit,
		logger:    log.WithFields(zap.String("component", "host_browser")),
		instances: make(map[string]*Instance),
		agentMu:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agentMu[agentID]; !ok {
		m.agentMu[agentID] = &sync.Mutex{}
	}
	return m.agentMu[agentID]
}

// Detect scans well-known install paths for a debuggable browser. Synchronous
// filesystem checks only.
func Detect() Detection {
	for _, candidate := range browserCandidates() {
		if _, err := os.Stat(candidate.path); err == nil {
			return Detection{
				Available: true,
				Browser:   candidate.name,
				Path:      candidate.path,
				Profiles:  scanProfiles(candidate.name),
			}
		}
	}
	return Detection{Available: false}
}

type browserCandidate struct {
	name string
	path string
}

func browserCandidates() []browserCandidate {
	switch goruntime.GOOS {
	case "darwin":
		return []browserCandidate{
			{"chrome", "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{"chromium", "/Applications/Chromium.app/Contents/MacOS/Chromium"},
			{"edge", "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		}
	case "windows":
		programFiles := os.Getenv("PROGRAMFILES")
		return []browserCandidate{
			{"chrome", filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe")},
			{"edge", filepath.Join(programFiles, "Microsoft", "Edge", "Application", "msedge.exe")},
		}
	default:
		return []browserCandidate{
			{"chrome", "/usr/bin/google-chrome"},
			{"chrome", "/usr/bin/google-chrome-stable"},
			{"chromium", "/usr/bin/chromium"},
			{"chromium", "/usr/bin/chromium-browser"},
		}
	}
}

// scanProfiles lists the browser's profile directories by display name.
func scanProfiles(browser string) []Profile {
	root := profileRoot(browser)
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var profiles []Profile
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "Default" || (len(name) > 8 && name[:8] == "Profile ") {
			profiles = append(profiles, Profile{ID: name, Name: name})
		}
	}
	return profiles
}

func profileRoot(browser string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch goruntime.GOOS {
	case "darwin":
		switch browser {
		case "edge":
			return filepath.Join(home, "Library", "Application Support", "Microsoft Edge")
		default:
			return filepath.Join(home, "Library", "Application Support", "Google", "Chrome")
		}
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "User Data")
	default:
		return filepath.Join(home, ".config", "google-chrome")
	}
}

// Get returns the registered instance for an agent.
func (m *Manager) Get(agentID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[agentID]
	return inst, ok
}

// EnsureRunning returns the agent's browser debug port, spawning the browser
// if needed. If the registered port is still open the existing instance is
// reused without spawning.
func (m *Manager) EnsureRunning(ctx context.Context, agentID, profileID string) (int, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	if inst, ok := m.Get(agentID); ok && portutil.IsPortOpen(inst.Port) {
		return inst.Port, nil
	}

	detection := Detect()
	if !detection.Available {
		return 0, fmt.Errorf("no supported browser found on this machine")
	}

	port, err := portutil.AllocatePort()
	if err != nil {
		return 0, err
	}

	userDataDir := filepath.Join(m.dataDir, "host-browser-profiles", agentID)
	firstLaunch := false
	if _, err := os.Stat(userDataDir); os.IsNotExist(err) {
		firstLaunch = true
	}
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create browser profile dir: %w", err)
	}
	if firstLaunch && profileID != "" {
		m.seedProfile(detection.Browser, profileID, userDataDir)
	}

	cmd := exec.Command(detection.Path,
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-debugging-address=127.0.0.1",
		"--no-first-run",
		"--no-default-browser-check",
		"--user-data-dir="+userDataDir,
	)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to launch browser: %w", err)
	}

	inst := &Instance{
		AgentID:     agentID,
		PID:         cmd.Process.Pid,
		Port:        port,
		UserDataDir: userDataDir,
		cmd:         cmd,
	}

	m.mu.Lock()
	m.instances[agentID] = inst
	m.mu.Unlock()

	go m.watch(inst)

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.PortWaitTimeoutDuration())
	defer cancel()
	if err := portutil.WaitForPort(waitCtx, port, m.cfg.PortPollInterval()); err != nil {
		m.stopLocked(agentID)
		return 0, fmt.Errorf("browser did not open its debug port: %w", err)
	}

	m.logger.Info("browser launched",
		zap.String("agent_id", agentID),
		zap.Int("pid", inst.PID),
		zap.Int("port", port))
	return port, nil
}

// seedProfile copies the selected profile's session data into the scratch dir.
// Best-effort; a failed copy just yields a fresh profile.
func (m *Manager) seedProfile(browser, profileID, userDataDir string) {
	src := filepath.Join(profileRoot(browser), profileID)
	dst := filepath.Join(userDataDir, "Default")
	if err := copyDir(src, dst); err != nil {
		m.logger.Warn("failed to seed browser profile",
			zap.String("profile", profileID), zap.Error(err))
	}
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// watch waits for the process to exit. An exit without intentionalStop is an
// external exit: the registry entry is removed and the callback fires once.
func (m *Manager) watch(inst *Instance) {
	_ = inst.cmd.Wait()

	m.mu.Lock()
	current, ok := m.instances[inst.AgentID]
	external := ok && current == inst && !inst.intentionalStop
	if ok && current == inst {
		delete(m.instances, inst.AgentID)
	}
	m.mu.Unlock()

	if external {
		m.logger.Info("browser exited externally", zap.String("agent_id", inst.AgentID))
		if m.onExit != nil {
			m.onExit(inst.AgentID)
		}
	}
}

// StopAgent terminates the agent's browser and removes the registry entry.
func (m *Manager) StopAgent(agentID string) error {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(agentID)
}

func (m *Manager) stopLocked(agentID string) error {
	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if ok {
		inst.intentionalStop = true
		delete(m.instances, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := terminate(inst.cmd); err != nil {
		m.logger.Warn("failed to terminate browser",
			zap.String("agent_id", agentID), zap.Error(err))
		return err
	}
	m.logger.Info("browser stopped", zap.String("agent_id", agentID))
	return nil
}

// StopAll terminates every registered browser.
func (m *Manager) StopAll() {
	m.mu.Lock()
	agentIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		agentIDs = append(agentIDs, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range agentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_ = m.StopAgent(agentID)
		}(id)
	}
	wg.Wait()
}

// termGracePeriod is how long a browser gets to exit cleanly before SIGKILL.
const termGracePeriod = 5 * time.Second
