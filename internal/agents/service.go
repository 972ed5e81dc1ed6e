// Package agents manages agent workspaces on disk: one directory per agent
// keyed by slug, with an instructions file carrying YAML frontmatter metadata.
package agents

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
)

// Agent is the metadata plus instructions for one agent workspace.
type Agent struct {
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Instructions string    `json:"instructions"`
	CreatedAt    time.Time `json:"createdAt"`
}

// frontmatter is the YAML block at the top of the instructions file.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	CreatedAt   string `yaml:"createdAt"`
}

const instructionsFile = "instructions.md"

// Service manages agent directories under <dataDir>/agents.
type Service struct {
	dataDir string
	logger  *logger.Logger

	// Per-file write locks prevent interleaved writes to metadata files.
	fileMu sync.Map // path -> *sync.Mutex
}

// NewService creates the agent service rooted at dataDir.
func NewService(dataDir string, log *logger.Logger) *Service {
	return &Service{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "agents")),
	}
}

// AgentsRoot returns the directory containing all agent directories.
func (s *Service) AgentsRoot() string {
	return filepath.Join(s.dataDir, "agents")
}

// WorkspacePath returns an agent's workspace directory.
func (s *Service) WorkspacePath(slug string) string {
	return filepath.Join(s.AgentsRoot(), slug, "workspace")
}

func (s *Service) instructionsPath(slug string) string {
	return filepath.Join(s.WorkspacePath(slug), instructionsFile)
}

func (s *Service) lockFor(path string) *sync.Mutex {
	mu, _ := s.fileMu.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify converts a display name to kebab-case.
func slugify(name string) string {
	slug := strings.ToLower(name)
	slug = slugStripRe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "agent"
	}
	return slug
}

const slugSuffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = slugSuffixChars[rand.Intn(len(slugSuffixChars))]
	}
	return string(b)
}

// Create makes a new agent directory with a unique slug. The slug is
// slugify(name) plus a random 6-char suffix, retried on collision.
func (s *Service) Create(name, description, instructions string) (*Agent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation("agent name is required")
	}

	base := slugify(name)
	var slug string
	for attempt := 0; attempt < 10; attempt++ {
		candidate := base + "-" + randomSuffix()
		if _, err := os.Stat(filepath.Join(s.AgentsRoot(), candidate)); os.IsNotExist(err) {
			slug = candidate
			break
		}
	}
	if slug == "" {
		return nil, apperr.Internal("failed to allocate a unique agent slug", nil)
	}

	agent := &Agent{
		Slug:         slug,
		Name:         name,
		Description:  description,
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
	}

	if err := os.MkdirAll(s.WorkspacePath(slug), 0o755); err != nil {
		return nil, apperr.Internal("failed to create agent workspace", err)
	}
	if err := s.writeInstructions(agent); err != nil {
		_ = os.RemoveAll(filepath.Join(s.AgentsRoot(), slug))
		return nil, err
	}

	s.logger.Info("agent created", zap.String("agent_slug", slug))
	return agent, nil
}

// Get reads one agent by slug.
func (s *Service) Get(slug string) (*Agent, error) {
	data, err := os.ReadFile(s.instructionsPath(slug))
	if os.IsNotExist(err) {
		return nil, apperr.NotFound("agent", slug)
	}
	if err != nil {
		return nil, apperr.Internal("failed to read agent", err)
	}
	return parseAgent(slug, data), nil
}

// List scans the agents directory, tolerating malformed entries, and sorts by
// createdAt descending.
func (s *Service) List() ([]*Agent, error) {
	entries, err := os.ReadDir(s.AgentsRoot())
	if os.IsNotExist(err) {
		return []*Agent{}, nil
	}
	if err != nil {
		return nil, apperr.Internal("failed to scan agents", err)
	}

	agents := make([]*Agent, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agent, err := s.Get(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable agent directory",
				zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		agents = append(agents, agent)
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	return agents, nil
}

// Slugs returns the slugs of all agents on disk.
func (s *Service) Slugs() []string {
	entries, err := os.ReadDir(s.AgentsRoot())
	if err != nil {
		return nil
	}
	slugs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			slugs = append(slugs, entry.Name())
		}
	}
	return slugs
}

// Update patches name, description and/or instructions. Nil means unchanged.
// createdAt is never mutated.
func (s *Service) Update(slug string, name, description, instructions *string) (*Agent, error) {
	agent, err := s.Get(slug)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, apperr.Validation("agent name cannot be empty")
		}
		agent.Name = *name
	}
	if description != nil {
		agent.Description = *description
	}
	if instructions != nil {
		agent.Instructions = *instructions
	}
	if err := s.writeInstructions(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Delete removes the agent directory tree. Idempotent.
func (s *Service) Delete(slug string) error {
	dir := filepath.Join(s.AgentsRoot(), slug)
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Internal("failed to remove agent directory", err)
	}
	s.logger.Info("agent deleted", zap.String("agent_slug", slug))
	return nil
}

func (s *Service) writeInstructions(agent *Agent) error {
	fm := frontmatter{
		Name:        agent.Name,
		Description: agent.Description,
		CreatedAt:   agent.CreatedAt.Format(time.RFC3339),
	}
	fmBytes, err := yaml.Marshal(&fm)
	if err != nil {
		return apperr.Internal("failed to serialize agent metadata", err)
	}
	content := fmt.Sprintf("---\n%s---\n%s", fmBytes, agent.Instructions)

	path := s.instructionsPath(agent.Slug)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return apperr.Internal("failed to write agent instructions", err)
	}
	return nil
}

// parseAgent splits the frontmatter block from the instructions body. A
// missing or unparseable block degrades to the slug as name; a missing
// createdAt gets the current time.
func parseAgent(slug string, data []byte) *Agent {
	agent := &Agent{Slug: slug, Name: slug, CreatedAt: time.Now().UTC()}

	content := string(data)
	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		if idx := strings.Index(rest, "\n---\n"); idx >= 0 {
			var fm frontmatter
			if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err == nil {
				if fm.Name != "" {
					agent.Name = fm.Name
				}
				agent.Description = fm.Description
				if t, err := time.Parse(time.RFC3339, fm.CreatedAt); err == nil {
					agent.CreatedAt = t
				}
			}
			agent.Instructions = rest[idx+len("\n---\n"):]
			return agent
		}
	}
	agent.Instructions = content
	return agent
}
