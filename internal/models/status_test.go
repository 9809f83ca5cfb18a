package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvanceTo(t *testing.T) {
	assert.True(t, StatusSent.CanAdvanceTo(StatusDelivered))
	assert.True(t, StatusSent.CanAdvanceTo(StatusRead))
	assert.True(t, StatusDelivered.CanAdvanceTo(StatusRead))

	// never backward, never self
	assert.False(t, StatusRead.CanAdvanceTo(StatusDelivered))
	assert.False(t, StatusRead.CanAdvanceTo(StatusSent))
	assert.False(t, StatusDelivered.CanAdvanceTo(StatusSent))
	assert.False(t, StatusDelivered.CanAdvanceTo(StatusDelivered))
	assert.False(t, StatusSent.CanAdvanceTo(StatusSent))
}

func TestCanAdvanceToUnknown(t *testing.T) {
	assert.False(t, MessageStatus("BOGUS").CanAdvanceTo(StatusRead))
	assert.False(t, StatusSent.CanAdvanceTo(MessageStatus("BOGUS")))
}

func TestStatusesBelow(t *testing.T) {
	assert.ElementsMatch(t, []MessageStatus{StatusSent}, StatusesBelow(StatusDelivered))
	assert.ElementsMatch(t, []MessageStatus{StatusSent, StatusDelivered}, StatusesBelow(StatusRead))
	assert.Empty(t, StatusesBelow(StatusSent))
	assert.Nil(t, StatusesBelow(MessageStatus("BOGUS")))
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair(7, 3)
	assert.Equal(t, int64(3), a)
	assert.Equal(t, int64(7), b)

	a, b = CanonicalPair(3, 7)
	assert.Equal(t, int64(3), a)
	assert.Equal(t, int64(7), b)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "hello", Snippet("hello", 255))
	assert.Equal(t, "he", Snippet("hello", 2))
}
