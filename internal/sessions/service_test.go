package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
)

type fakeWorkspaces struct {
	root  string
	slugs []string
}

func (f *fakeWorkspaces) WorkspacePath(slug string) string {
	return filepath.Join(f.root, slug, "workspace")
}

func (f *fakeWorkspaces) Slugs() []string {
	return f.slugs
}

func newTestService(t *testing.T, slugs ...string) (*Service, *fakeWorkspaces) {
	t.Helper()
	ws := &fakeWorkspaces{root: t.TempDir(), slugs: slugs}
	for _, slug := range slugs {
		require.NoError(t, os.MkdirAll(ws.WorkspacePath(slug), 0o755))
	}
	return NewService(ws, logger.Default()), ws
}

func writeLog(t *testing.T, s *Service, slug, sessionID string, lines ...string) {
	t.Helper()
	dir := s.logsDir(slug)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644))
}

func userLine(text string, at time.Time) string {
	return fmt.Sprintf(`{"type":"user","timestamp":%q,"message":{"content":%q}}`, at.Format(time.RFC3339), text)
}

func assistantLine(text string, at time.Time) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":%q}}`, at.Format(time.RFC3339), text)
}

func TestRegisterThenListShowsPendingSession(t *testing.T) {
	s, _ := newTestService(t, "a1")

	require.NoError(t, s.Register("a1", "sess-1", "My Session", ""))

	list, err := s.List("a1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].ID)
	assert.Equal(t, "My Session", list[0].Name)
	assert.Equal(t, 0, list[0].MessageCount)

	// Messages on a registered-but-empty session are an empty list, not 404.
	messages, err := s.Messages("a1", "sess-1")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMessageCountTracksLog(t *testing.T) {
	s, _ := newTestService(t, "a1")
	require.NoError(t, s.Register("a1", "sess-1", "", ""))

	now := time.Now().UTC().Truncate(time.Second)
	writeLog(t, s, "a1", "sess-1",
		userLine("hello", now),
		assistantLine("hi there", now.Add(time.Second)),
		userLine("more", now.Add(2*time.Second)),
	)

	list, err := s.List("a1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].MessageCount)
	require.NotNil(t, list[0].LastActivityAt)
	assert.Equal(t, now.Add(2*time.Second).Unix(), list[0].LastActivityAt.Unix())
}

func TestNameDerivedFromFirstUserMessage(t *testing.T) {
	s, _ := newTestService(t, "a1")

	long := "This is a very long first user message that should definitely be trimmed"
	writeLog(t, s, "a1", "sess-9", userLine(long, time.Now()))

	session, err := s.Get("a1", "sess-9")
	require.NoError(t, err)
	assert.Len(t, []rune(session.Name), 50)
	assert.Equal(t, long[:50], session.Name)
}

func TestSidecarNameWinsOverDerived(t *testing.T) {
	s, _ := newTestService(t, "a1")
	require.NoError(t, s.Register("a1", "sess-1", "Pinned Name", ""))
	writeLog(t, s, "a1", "sess-1", userLine("derived name source", time.Now()))

	session, err := s.Get("a1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Pinned Name", session.Name)
}

func TestMessagesFilterToolRecords(t *testing.T) {
	s, _ := newTestService(t, "a1")

	now := time.Now()
	writeLog(t, s, "a1", "sess-1",
		userLine("q", now),
		`{"type":"tool_use","timestamp":"2026-01-01T00:00:00Z","message":{}}`,
		`{"type":"tool_result","timestamp":"2026-01-01T00:00:01Z","message":{}}`,
		assistantLine("a", now.Add(time.Second)),
		`not even json`,
	)

	messages, err := s.Messages("a1", "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Type)
	assert.Equal(t, "assistant", messages[1].Type)
}

func TestListSortsByLastActivityDescending(t *testing.T) {
	s, _ := newTestService(t, "a1")

	now := time.Now().UTC()
	writeLog(t, s, "a1", "old", userLine("old", now.Add(-time.Hour)))
	writeLog(t, s, "a1", "new", userLine("new", now))

	list, err := s.List("a1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func TestFindAcrossAgents(t *testing.T) {
	s, _ := newTestService(t, "a1", "a2")
	require.NoError(t, s.Register("a2", "needle", "", ""))

	session, err := s.FindAcrossAgents("needle")
	require.NoError(t, err)
	assert.Equal(t, "a2", session.AgentSlug)

	_, err = s.FindAcrossAgents("missing")
	assert.True(t, apperr.IsKind(err, apperr.CodeNotFound))
}

func TestSessionsForTaskBacklink(t *testing.T) {
	s, _ := newTestService(t, "a1")
	require.NoError(t, s.Register("a1", "sess-1", "run", "task-7"))
	require.NoError(t, s.Register("a1", "sess-2", "other", ""))

	matched, err := s.SessionsForTask("a1", "task-7")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "sess-1", matched[0].ID)
}

func TestDeleteSessionIdempotent(t *testing.T) {
	s, _ := newTestService(t, "a1")
	require.NoError(t, s.Register("a1", "sess-1", "", ""))

	require.NoError(t, s.Delete("a1", "sess-1"))
	require.NoError(t, s.Delete("a1", "sess-1"))

	list, err := s.List("a1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
