package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTrackingComment_RoundTrip(t *testing.T) {
	comment := BuildTrackingComment(3, 7, "42", "99", "opened by schedule")

	tc, ok := ParseTrackingComment(comment)
	require.True(t, ok, "stamped comment must parse")

	assert.Equal(t, int64(3), tc.AccountID)
	assert.Equal(t, int64(7), tc.ExpertID)
	assert.Equal(t, "42", tc.TransactionID)
	assert.Equal(t, "99", tc.OrderID)
	assert.Equal(t, "opened by schedule", tc.UserComment)
	assert.Greater(t, tc.Stamp, int64(0))
}

func TestBuildTrackingComment_NoExpert(t *testing.T) {
	comment := BuildTrackingComment(5, 0, "10", "11", "")

	assert.NotContains(t, comment, "/EXP:")

	tc, ok := ParseTrackingComment(comment)
	require.True(t, ok)
	assert.Equal(t, int64(5), tc.AccountID)
	assert.Equal(t, int64(0), tc.ExpertID)
	assert.Equal(t, "", tc.UserComment)
}

func TestBuildTrackingComment_MissingIDsUseNoneToken(t *testing.T) {
	comment := BuildTrackingComment(1, 0, "", "", "")

	assert.Contains(t, comment, "/TR:none/ORD:none]")

	tc, ok := ParseTrackingComment(comment)
	require.True(t, ok)
	assert.Equal(t, "none", tc.TransactionID)
	assert.Equal(t, "none", tc.OrderID)
}

func TestBuildTrackingComment_Truncated(t *testing.T) {
	long := strings.Repeat("x", 200)
	comment := BuildTrackingComment(1, 2, "3", "4", long)

	assert.Len(t, comment, MaxCommentLength)

	// Truncation only eats into the user comment; the prefix still parses.
	tc, ok := ParseTrackingComment(comment)
	require.True(t, ok)
	assert.Equal(t, int64(1), tc.AccountID)
	assert.True(t, strings.HasPrefix(long, tc.UserComment))
}

func TestHasTrackingComment(t *testing.T) {
	assert.True(t, HasTrackingComment(BuildTrackingComment(1, 0, "2", "3", "hi")))
	assert.False(t, HasTrackingComment("just a plain comment"))
	assert.False(t, HasTrackingComment(""))
	assert.False(t, HasTrackingComment("[ACC:1/TR:2/ORD:3] missing stamp"))
}
