package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot_ContainsAndUserID(t *testing.T) {
	s := newSnapshot()
	assert.False(t, s.Contains("0xAbC"))

	s2 := s.with("0xAbC0000000000000000000000000000000000a", "user-1")
	assert.False(t, s.Contains("0xAbC0000000000000000000000000000000000a"), "original snapshot must stay untouched")
	assert.True(t, s2.Contains("0xabc0000000000000000000000000000000000a"), "lookup is case-insensitive")

	userID, ok := s2.UserID("0xABC0000000000000000000000000000000000A")
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)
}

func TestSnapshot_NilSafe(t *testing.T) {
	var s *Snapshot
	assert.False(t, s.Contains("0x0"))
	assert.Equal(t, 0, s.Len())
	_, ok := s.UserID("0x0")
	assert.False(t, ok)
}
