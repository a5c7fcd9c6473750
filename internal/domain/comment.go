package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxCommentLength is the broker-side limit for order comments.
const MaxCommentLength = 128

// trackingCommentRe matches the tracking prefix stamped on every broker order:
// <microsecond-epoch>-[ACC:n/EXP:n/TR:n/ORD:n] <user comment>
var trackingCommentRe = regexp.MustCompile(`^(\d+)-\[ACC:(\d+)(?:/EXP:(\d+))?/TR:(\w+)/ORD:(\w+)\]\s?(.*)$`)

// TrackingComment identifies the local rows an order at the broker belongs to.
type TrackingComment struct {
	Stamp         int64 // microsecond epoch at stamping time
	AccountID     int64
	ExpertID      int64 // 0 when the order has no expert binding
	TransactionID string
	OrderID       string
	UserComment   string
}

// BuildTrackingComment stamps the tracking prefix onto a user comment.
// The result is truncated to MaxCommentLength.
func BuildTrackingComment(accountID, expertID int64, transactionID, orderID, userComment string) string {
	stamp := time.Now().UnixMicro()

	var b strings.Builder
	fmt.Fprintf(&b, "%d-[ACC:%d", stamp, accountID)
	if expertID > 0 {
		fmt.Fprintf(&b, "/EXP:%d", expertID)
	}
	fmt.Fprintf(&b, "/TR:%s/ORD:%s]", orEmptyToken(transactionID), orEmptyToken(orderID))
	if userComment != "" {
		b.WriteByte(' ')
		b.WriteString(userComment)
	}

	comment := b.String()
	if len(comment) > MaxCommentLength {
		comment = comment[:MaxCommentLength]
	}
	return comment
}

// ParseTrackingComment extracts the tracking metadata from a stamped comment.
// Returns false when the comment does not carry a tracking prefix.
func ParseTrackingComment(comment string) (TrackingComment, bool) {
	m := trackingCommentRe.FindStringSubmatch(comment)
	if m == nil {
		return TrackingComment{}, false
	}

	stamp, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return TrackingComment{}, false
	}
	accountID, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return TrackingComment{}, false
	}

	tc := TrackingComment{
		Stamp:         stamp,
		AccountID:     accountID,
		TransactionID: m[4],
		OrderID:       m[5],
		UserComment:   m[6],
	}
	if m[3] != "" {
		tc.ExpertID, _ = strconv.ParseInt(m[3], 10, 64)
	}
	return tc, true
}

// HasTrackingComment reports whether the comment carries a tracking prefix.
func HasTrackingComment(comment string) bool {
	return trackingCommentRe.MatchString(comment)
}

// orEmptyToken substitutes the literal "none" for missing identifiers so the
// comment still matches the tracking grammar.
func orEmptyToken(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
