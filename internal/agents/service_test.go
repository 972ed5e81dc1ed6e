package agents

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(t.TempDir(), logger.Default())
}

func TestCreateGetDeleteRoundTrip(t *testing.T) {
	s := newTestService(t)

	created, err := s.Create("Research Assistant", "finds things", "Be thorough.")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^research-assistant-[a-z0-9]{6}$`), created.Slug)

	got, err := s.Get(created.Slug)
	require.NoError(t, err)
	assert.Equal(t, "Research Assistant", got.Name)
	assert.Equal(t, "finds things", got.Description)
	assert.Equal(t, "Be thorough.", got.Instructions)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Second)

	require.NoError(t, s.Delete(created.Slug))

	_, err = s.Get(created.Slug)
	assert.True(t, apperr.IsKind(err, apperr.CodeNotFound))

	// Delete is idempotent.
	assert.NoError(t, s.Delete(created.Slug))
}

func TestCreateRequiresName(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create("  ", "", "")
	assert.True(t, apperr.IsKind(err, apperr.CodeValidation))
}

func TestListSortsByCreatedAtDescending(t *testing.T) {
	s := newTestService(t)

	first, err := s.Create("Older", "", "")
	require.NoError(t, err)
	second, err := s.Create("Newer", "", "")
	require.NoError(t, err)

	// Force distinct timestamps on disk.
	older, err := s.Get(first.Slug)
	require.NoError(t, err)
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	require.NoError(t, s.writeInstructions(older))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Slug, list[0].Slug)
	assert.Equal(t, first.Slug, list[1].Slug)
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s := newTestService(t)

	created, err := s.Create("Agent", "", "old instructions")
	require.NoError(t, err)

	name := "Renamed"
	updated, err := s.Update(created.Slug, &name, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "old instructions", updated.Instructions)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())
}

func TestParseToleratesMissingFrontmatter(t *testing.T) {
	s := newTestService(t)

	created, err := s.Create("Agent", "", "body")
	require.NoError(t, err)

	// Overwrite the file without any frontmatter block.
	path := filepath.Join(s.WorkspacePath(created.Slug), instructionsFile)
	require.NoError(t, os.WriteFile(path, []byte("just instructions"), 0o644))

	got, err := s.Get(created.Slug)
	require.NoError(t, err)
	assert.Equal(t, created.Slug, got.Name)
	assert.Equal(t, "just instructions", got.Instructions)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "my-cool-agent", slugify("My Cool Agent!"))
	assert.Equal(t, "agent", slugify("???"))
	assert.Equal(t, "a-b", slugify("  a   b  "))
}
