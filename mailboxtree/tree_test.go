package mailboxtree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/gate/mailclient"
)

func box(name, delim string, total, unseen uint32) *mailclient.Mailbox {
	return &mailclient.Mailbox{
		Name:       name,
		Delimiter:  delim,
		Selectable: true,
		Total:      total,
		Unseen:     unseen,
	}
}

func TestNestBuildsHierarchy(t *testing.T) {
	flat := []*mailclient.Mailbox{
		box("INBOX", "/", 10, 2),
		box("Work", "/", 5, 0),
		box("Work/Projects", "/", 3, 1),
		box("Work/Projects/2026", "/", 1, 0),
	}

	tree := Nest(flat)
	require.Len(t, tree, 2)

	work := tree[1]
	assert.Equal(t, "Work", work.Name)
	assert.Equal(t, "Work", work.Label)
	require.Len(t, work.Children, 1)

	projects := work.Children[0]
	assert.Equal(t, "Work/Projects", projects.Name)
	assert.Equal(t, "Projects", projects.Label)
	assert.Equal(t, uint32(3), projects.Total)
	require.Len(t, projects.Children, 1)
	assert.Equal(t, "Work/Projects/2026", projects.Children[0].Name)
}

func TestNestSynthesizesMissingAncestors(t *testing.T) {
	flat := []*mailclient.Mailbox{
		box("Archive.2025.Q1", ".", 7, 0),
	}

	tree := Nest(flat)
	require.Len(t, tree, 1)

	archive := tree[0]
	assert.Equal(t, "Archive", archive.Name)
	assert.False(t, archive.Selectable)
	assert.Zero(t, archive.Total)

	require.Len(t, archive.Children, 1)
	year := archive.Children[0]
	assert.Equal(t, "Archive.2025", year.Name)
	assert.False(t, year.Selectable)

	require.Len(t, year.Children, 1)
	leaf := year.Children[0]
	assert.Equal(t, "Archive.2025.Q1", leaf.Name)
	assert.True(t, leaf.Selectable)
	assert.Equal(t, uint32(7), leaf.Total)
}

func TestNestChildBeforeParent(t *testing.T) {
	// The child arrives first; the later real parent record must fill
	// in the synthesized node rather than duplicate it.
	flat := []*mailclient.Mailbox{
		box("A/B", "/", 2, 1),
		box("A", "/", 9, 4),
	}

	tree := Nest(flat)
	require.Len(t, tree, 1)

	a := tree[0]
	assert.Equal(t, "A", a.Name)
	assert.True(t, a.Selectable)
	assert.Equal(t, uint32(9), a.Total)
	assert.Equal(t, uint32(4), a.Unseen)

	require.Len(t, a.Children, 1)
	assert.Equal(t, "A/B", a.Children[0].Name)
	assert.Equal(t, uint32(2), a.Children[0].Total)
}

func TestNestRootEdgeCases(t *testing.T) {
	flat := []*mailclient.Mailbox{
		box("INBOX", "", 1, 0),
		box("/odd", "/", 1, 0),
	}

	tree := Nest(flat)
	require.Len(t, tree, 2)
	assert.Equal(t, "INBOX", tree[0].Name)
	assert.Empty(t, tree[0].Children)
	assert.Equal(t, "/odd", tree[1].Name)
	assert.Empty(t, tree[1].Children)
}

func TestNestDoesNotMutateInput(t *testing.T) {
	original := box("Work/Projects", "/", 3, 1)
	flat := []*mailclient.Mailbox{original}

	Nest(flat)

	assert.Equal(t, "Work/Projects", original.Name)
	assert.Empty(t, original.Label)
	assert.Nil(t, original.Children)
}

func TestFlattenNestRoundTrip(t *testing.T) {
	flat := []*mailclient.Mailbox{
		box("INBOX", "/", 10, 2),
		box("Work", "/", 5, 0),
		box("Work/Projects", "/", 3, 1),
		box("Personal", "/", 8, 8),
		box("Personal/Travel", "/", 2, 0),
	}

	round := Flatten(Nest(flat))
	require.Len(t, round, len(flat))

	names := func(boxes []*mailclient.Mailbox) []string {
		out := make([]string, len(boxes))
		for i, b := range boxes {
			out[i] = b.Name
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, names(flat), names(round))

	byName := make(map[string]*mailclient.Mailbox)
	for _, b := range round {
		byName[b.Name] = b
	}
	for _, want := range flat {
		got := byName[want.Name]
		require.NotNil(t, got)
		assert.Equal(t, want.Total, got.Total)
		assert.Equal(t, want.Unseen, got.Unseen)
		assert.Equal(t, want.Selectable, got.Selectable)
		assert.Nil(t, got.Children)
	}
}

func TestNestIdempotentOnRoundTrip(t *testing.T) {
	flat := []*mailclient.Mailbox{
		box("Work", "/", 5, 0),
		box("Work/Projects", "/", 3, 1),
	}

	once := Nest(flat)
	twice := Nest(Flatten(once))
	require.Len(t, twice, len(once))
	assert.Equal(t, once[0].Name, twice[0].Name)
	require.Len(t, twice[0].Children, 1)
	assert.Equal(t, once[0].Children[0].Name, twice[0].Children[0].Name)
}
