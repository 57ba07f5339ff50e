package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/answer-gateway/internal/model"
)

func msg(id, content string) model.Message {
	return model.Message{ID: id, Role: model.RoleUser, Content: content}
}

func TestAppendPreservesOrder(t *testing.T) {
	s := New()
	s.Append("conv", msg("a", "one"), msg("b", "two"))
	s.Append("conv", msg("c", "three"))

	list := s.List("conv")
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestUpsertKeepsPositionAndOverwrites(t *testing.T) {
	s := New()
	s.Append("conv", msg("a", "one"), msg("b", "two"))

	s.Upsert("conv", msg("a", "updated"))

	list := s.List("conv")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "updated", list[0].Content)
}

func TestUpsertAppendsNewEntryAtEnd(t *testing.T) {
	s := New()
	s.Append("conv", msg("a", "one"))
	s.Upsert("conv", msg("b", "two"))

	list := s.List("conv")
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].ID)
}

func TestRemove(t *testing.T) {
	s := New()
	s.Append("conv", msg("a", "one"), msg("b", "two"), msg("c", "three"))

	s.Remove("conv", "b")

	list := s.List("conv")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[1].ID)

	_, ok := s.Get("conv", "b")
	assert.False(t, ok)

	// Removing again is a no-op.
	s.Remove("conv", "b")
	assert.Len(t, s.List("conv"), 2)
}

func TestGetUnknownConversation(t *testing.T) {
	s := New()
	_, ok := s.Get("missing", "a")
	assert.False(t, ok)
	assert.Nil(t, s.List("missing"))
}

func TestWatchReceivesUpdates(t *testing.T) {
	s := New()
	ch, cancel := s.Watch("conv")
	defer cancel()

	s.Append("conv", msg("a", "one"))
	s.Upsert("conv", msg("a", "two"))

	first := <-ch
	assert.Equal(t, "one", first.Content)
	second := <-ch
	assert.Equal(t, "two", second.Content)
}

func TestWatchCancelClosesChannel(t *testing.T) {
	s := New()
	ch, cancel := s.Watch("conv")

	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Writes after cancel must not panic.
	s.Append("conv", msg("a", "one"))
}

func TestClearClosesWatchers(t *testing.T) {
	s := New()
	ch, cancel := s.Watch("conv")
	s.Append("conv", msg("a", "one"))

	s.Clear("conv")

	// Drain the buffered update, then observe close.
	for range ch {
	}
	assert.Empty(t, s.List("conv"))

	// Cancel after Clear is a no-op.
	cancel()
}
