// Package sessions manages per-agent conversation logs: JSONL files written
// by the in-container runtime plus a sidecar metadata file that lets sessions
// be listed before their log materializes.
package sessions

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
)

// Session is one conversation within an agent.
type Session struct {
	ID              string     `json:"id"`
	AgentSlug       string     `json:"agentSlug"`
	Name            string     `json:"name"`
	CreatedAt       time.Time  `json:"createdAt"`
	Starred         bool       `json:"starred,omitempty"`
	ScheduledTaskID string     `json:"scheduledTaskId,omitempty"`
	MessageCount    int        `json:"messageCount"`
	LastActivityAt  *time.Time `json:"lastActivityAt,omitempty"`
}

// Message is one record of a session log.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// sidecarEntry mirrors one sessions.json record.
type sidecarEntry struct {
	Name            string    `json:"name,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	Starred         bool      `json:"starred,omitempty"`
	ScheduledTaskID string    `json:"scheduledTaskId,omitempty"`
}

const (
	sidecarFile  = "sessions.json"
	logsRelPath  = ".claude/projects/-workspace"
	maxNameChars = 50
)

// WorkspaceResolver maps a slug to its workspace path.
type WorkspaceResolver interface {
	WorkspacePath(slug string) string
	Slugs() []string
}

// Service reads and maintains session state on disk.
type Service struct {
	workspaces WorkspaceResolver
	logger     *logger.Logger

	// Per-sidecar write locks prevent interleaved JSON.
	fileMu sync.Map // path -> *sync.Mutex
}

// NewService creates the session service.
func NewService(workspaces WorkspaceResolver, log *logger.Logger) *Service {
	return &Service{
		workspaces: workspaces,
		logger:     log.WithFields(zap.String("component", "sessions")),
	}
}

func (s *Service) sidecarPath(agentSlug string) string {
	return filepath.Join(s.workspaces.WorkspacePath(agentSlug), sidecarFile)
}

func (s *Service) logsDir(agentSlug string) string {
	return filepath.Join(s.workspaces.WorkspacePath(agentSlug), filepath.FromSlash(logsRelPath))
}

func (s *Service) logPath(agentSlug, sessionID string) string {
	return filepath.Join(s.logsDir(agentSlug), sessionID+".jsonl")
}

func (s *Service) lockFor(path string) *sync.Mutex {
	mu, _ := s.fileMu.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) readSidecar(agentSlug string) map[string]sidecarEntry {
	data, err := os.ReadFile(s.sidecarPath(agentSlug))
	if err != nil {
		return map[string]sidecarEntry{}
	}
	entries := map[string]sidecarEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("unreadable session sidecar",
			zap.String("agent_slug", agentSlug), zap.Error(err))
		return map[string]sidecarEntry{}
	}
	return entries
}

func (s *Service) writeSidecar(agentSlug string, entries map[string]sidecarEntry) error {
	path := s.sidecarPath(agentSlug)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return apperr.Internal("failed to serialize session sidecar", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Internal("failed to create workspace", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperr.Internal("failed to write session sidecar", err)
	}
	return nil
}

// Register records a session in the sidecar so it appears in listings before
// the log file exists.
func (s *Service) Register(agentSlug, sessionID, name, scheduledTaskID string) error {
	entries := s.readSidecar(agentSlug)
	if _, exists := entries[sessionID]; !exists {
		entries[sessionID] = sidecarEntry{
			Name:            name,
			CreatedAt:       time.Now().UTC(),
			ScheduledTaskID: scheduledTaskID,
		}
	}
	return s.writeSidecar(agentSlug, entries)
}

// Patch updates a session's sidecar metadata. Nil means unchanged.
func (s *Service) Patch(agentSlug, sessionID string, name *string, starred *bool) (*Session, error) {
	entries := s.readSidecar(agentSlug)
	entry, ok := entries[sessionID]
	if !ok {
		// Sessions created by the container may have no sidecar entry yet.
		if _, err := os.Stat(s.logPath(agentSlug, sessionID)); err != nil {
			return nil, apperr.NotFound("session", sessionID)
		}
		entry = sidecarEntry{CreatedAt: time.Now().UTC()}
	}
	if name != nil {
		entry.Name = *name
	}
	if starred != nil {
		entry.Starred = *starred
	}
	entries[sessionID] = entry
	if err := s.writeSidecar(agentSlug, entries); err != nil {
		return nil, err
	}
	return s.Get(agentSlug, sessionID)
}

// Delete removes a session's log and sidecar entry. Idempotent.
func (s *Service) Delete(agentSlug, sessionID string) error {
	if err := os.Remove(s.logPath(agentSlug, sessionID)); err != nil && !os.IsNotExist(err) {
		return apperr.Internal("failed to remove session log", err)
	}
	entries := s.readSidecar(agentSlug)
	if _, ok := entries[sessionID]; ok {
		delete(entries, sessionID)
		return s.writeSidecar(agentSlug, entries)
	}
	return nil
}

// Get returns one session.
func (s *Service) Get(agentSlug, sessionID string) (*Session, error) {
	sessions, err := s.List(agentSlug)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.ID == sessionID {
			return session, nil
		}
	}
	return nil, apperr.NotFound("session", sessionID)
}

// List merges log files with sidecar entries: registered sessions appear with
// messageCount 0 until their log materializes. Exactly one entry per id,
// sorted by last activity descending.
func (s *Service) List(agentSlug string) ([]*Session, error) {
	sidecar := s.readSidecar(agentSlug)
	seen := map[string]*Session{}

	entries, err := os.ReadDir(s.logsDir(agentSlug))
	if err != nil && !os.IsNotExist(err) {
		return nil, apperr.Internal("failed to scan session logs", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		session := s.buildFromLog(agentSlug, sessionID)
		seen[sessionID] = session
	}

	for sessionID, meta := range sidecar {
		session, ok := seen[sessionID]
		if !ok {
			session = &Session{
				ID:        sessionID,
				AgentSlug: agentSlug,
				CreatedAt: meta.CreatedAt,
			}
			seen[sessionID] = session
		}
		if meta.Name != "" {
			session.Name = meta.Name
		}
		session.Starred = meta.Starred
		session.ScheduledTaskID = meta.ScheduledTaskID
		if session.CreatedAt.IsZero() {
			session.CreatedAt = meta.CreatedAt
		}
	}

	sessions := make([]*Session, 0, len(seen))
	for _, session := range seen {
		if session.Name == "" {
			session.Name = "Untitled session"
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return lastActivity(sessions[i]).After(lastActivity(sessions[j]))
	})
	return sessions, nil
}

func lastActivity(s *Session) time.Time {
	if s.LastActivityAt != nil {
		return *s.LastActivityAt
	}
	return s.CreatedAt
}

// buildFromLog derives a session from its JSONL file: message count, first
// user message as the name fallback, last message timestamp.
func (s *Service) buildFromLog(agentSlug, sessionID string) *Session {
	session := &Session{ID: sessionID, AgentSlug: agentSlug}

	messages, err := s.readLog(agentSlug, sessionID, false)
	if err != nil {
		return session
	}

	session.MessageCount = len(messages)
	for _, msg := range messages {
		if !msg.Timestamp.IsZero() {
			if session.CreatedAt.IsZero() || msg.Timestamp.Before(session.CreatedAt) {
				session.CreatedAt = msg.Timestamp
			}
			if session.LastActivityAt == nil || msg.Timestamp.After(*session.LastActivityAt) {
				t := msg.Timestamp
				session.LastActivityAt = &t
			}
		}
		if session.Name == "" && msg.Type == "user" {
			session.Name = trimName(textOf(msg))
		}
	}
	return session
}

// Messages returns a session's records, filtered to user and assistant types.
func (s *Service) Messages(agentSlug, sessionID string) ([]*Message, error) {
	if _, err := os.Stat(s.logPath(agentSlug, sessionID)); err != nil {
		if os.IsNotExist(err) {
			// A registered session with no log yet has no messages.
			if _, ok := s.readSidecar(agentSlug)[sessionID]; ok {
				return []*Message{}, nil
			}
			return nil, apperr.NotFound("session", sessionID)
		}
		return nil, apperr.Internal("failed to read session log", err)
	}
	return s.readLog(agentSlug, sessionID, true)
}

// readLog parses the JSONL file, skipping malformed lines. When filter is
// set, only user and assistant records are returned.
func (s *Service) readLog(agentSlug, sessionID string, filter bool) ([]*Message, error) {
	file, err := os.Open(s.logPath(agentSlug, sessionID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var messages []*Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record struct {
			Type      string          `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Message   json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if filter && record.Type != "user" && record.Type != "assistant" {
			continue
		}
		messages = append(messages, &Message{
			Type:      record.Type,
			Timestamp: record.Timestamp,
			Content:   record.Message,
		})
	}
	if messages == nil {
		messages = []*Message{}
	}
	return messages, scanner.Err()
}

// FindAcrossAgents locates a session by scanning every agent directory.
// Linear in the number of agents, which is fine at desktop scale.
func (s *Service) FindAcrossAgents(sessionID string) (*Session, error) {
	for _, slug := range s.workspaces.Slugs() {
		if session, err := s.Get(slug, sessionID); err == nil {
			return session, nil
		}
	}
	return nil, apperr.NotFound("session", sessionID)
}

// SessionsForTask lists the sessions registered for a scheduled task.
func (s *Service) SessionsForTask(agentSlug, taskID string) ([]*Session, error) {
	all, err := s.List(agentSlug)
	if err != nil {
		return nil, err
	}
	matched := []*Session{}
	for _, session := range all {
		if session.ScheduledTaskID == taskID {
			matched = append(matched, session)
		}
	}
	return matched, nil
}

// LastActivityAt returns the most recent message timestamp across the agent's
// sessions. The auto-sleep monitor measures idleness from this.
func (s *Service) LastActivityAt(agentSlug string) (time.Time, bool) {
	sessions, err := s.List(agentSlug)
	if err != nil || len(sessions) == 0 {
		return time.Time{}, false
	}
	var latest time.Time
	for _, session := range sessions {
		if session.LastActivityAt != nil && session.LastActivityAt.After(latest) {
			latest = *session.LastActivityAt
		}
	}
	return latest, !latest.IsZero()
}

// textOf extracts readable text from a message record's content.
func textOf(msg *Message) string {
	if len(msg.Content) == 0 {
		return ""
	}
	// Content is either a plain string or an object with a content field.
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(msg.Content, &asObject); err == nil && len(asObject.Content) > 0 {
		if err := json.Unmarshal(asObject.Content, &asString); err == nil {
			return asString
		}
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(asObject.Content, &blocks); err == nil {
			for _, block := range blocks {
				if block.Type == "text" && block.Text != "" {
					return block.Text
				}
			}
		}
	}
	return ""
}

func trimName(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if line, _, found := strings.Cut(text, "\n"); found {
		text = line
	}
	runes := []rune(text)
	if len(runes) > maxNameChars {
		return string(runes[:maxNameChars])
	}
	return text
}
