package export

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talebranch/api/internal/store"
)

func sampleDocument() Document {
	parent := "main"
	pos := 1
	return Document{
		Story: store.Story{
			ID:          "s1",
			Title:       "The Forest Walk",
			Description: "A walk <in> the woods",
			Tags:        []string{"fantasy", "nature"},
		},
		Branch: store.Branch{ID: "b2", Title: "Dark Path", ParentBranchID: &parent, ForkPosition: &pos},
		Contributions: []store.Contribution{
			{Content: "Once upon a time.", Position: 0, IsBeginning: true, Upvotes: 2},
			{Content: "A wolf appeared.", Position: 1},
			{Content: "It spoke <softly>.", Position: 2, Downvotes: 1},
		},
		ExportedAt: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderMarkdown(t *testing.T) {
	result, err := Render(sampleDocument(), FormatMarkdown)
	require.NoError(t, err)

	body := string(result.Data)
	assert.True(t, strings.HasPrefix(body, "# The Forest Walk\n"))
	assert.Contains(t, body, "Branch: Dark Path (fork)")
	assert.Contains(t, body, "Tags: fantasy, nature")
	assert.Contains(t, body, "Exported: 2024-03-09")
	assert.True(t, strings.HasSuffix(body, "Once upon a time. A wolf appeared. It spoke <softly>."))
	assert.Equal(t, "the-forest-walk-dark-path.md", result.Filename)
	assert.Equal(t, "text/markdown; charset=utf-8", result.ContentType)
}

func TestRenderHTMLEscapesContent(t *testing.T) {
	result, err := Render(sampleDocument(), FormatHTML)
	require.NoError(t, err)

	body := string(result.Data)
	assert.Contains(t, body, "<h1>The Forest Walk</h1>")
	assert.Contains(t, body, "It spoke &lt;softly&gt;.")
	assert.Contains(t, body, "A walk &lt;in&gt; the woods")
	assert.Contains(t, body, "(+2/-0)")
	assert.Contains(t, body, "Mar 9, 2024")
	assert.Equal(t, "the-forest-walk-dark-path.html", result.Filename)
}

func TestRenderMainBranchFilename(t *testing.T) {
	doc := sampleDocument()
	doc.Branch = store.Branch{ID: "b1", Title: "Main Story", IsMain: true}
	result, err := Render(doc, FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "the-forest-walk.md", result.Filename)
	assert.NotContains(t, string(result.Data), "(fork)")
}

func TestRenderUnsupportedFormat(t *testing.T) {
	_, err := Render(sampleDocument(), Format("pdf"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"", FormatMarkdown, false},
		{"md", FormatMarkdown, false},
		{"markdown", FormatMarkdown, false},
		{"html", FormatHTML, false},
		{"docx", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.err {
			assert.ErrorIs(t, err, ErrUnsupportedFormat, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "hello-world", slug("  Hello, World!  "))
	assert.Equal(t, "", slug("!!!"))
	assert.Equal(t, "chapter-2", slug("Chapter #2"))
}

func TestArchiveKey(t *testing.T) {
	key := ArchiveKey("s1", "b2", time.Date(2024, 3, 9, 12, 30, 5, 0, time.UTC), "tale.md")
	assert.Equal(t, "stories/s1/branches/b2/20240309T123005Z-tale.md", key)
}

func TestNewMinioArchiverRequiresEndpoint(t *testing.T) {
	_, err := NewMinioArchiver(context.Background(), ArchiveConfig{})
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}
