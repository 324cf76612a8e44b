package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	maxUserSegment = 24
	userHashLength = 10
)

// Common label keys set on every object created for a session
const (
	LabelApp      = "app"
	LabelAppValue = "student-lab"
	LabelSession  = "lab.dozlab.io/session-id"
	LabelUser     = "lab.dozlab.io/user"
	LabelWorkload = "lab.dozlab.io/workload"
)

// WorkloadName derives a unique pod name from the user and creation time.
// The result stays within the 63 character DNS label limit even after the
// service prefix is added.
func WorkloadName(userID string, created time.Time) string {
	return "lab-" + UserSegment(userID) + "-" + strconv.FormatInt(created.UnixNano(), 36)
}

// ServiceName derives the service name for a workload
func ServiceName(workload string) string {
	return "svc-" + workload
}

// IngressName derives the ingress name for a workload
func IngressName(workload string) string {
	return "ing-" + workload
}

// ClaimName derives the per-user volume claim name. It depends only on the
// user so data survives across sessions.
func ClaimName(userID string) string {
	return "pvc-" + UserSegment(userID)
}

// UserSegment is the readable, sanitized user id followed by a short hash of
// the raw id. Ids that sanitize to the same text still get distinct segments.
func UserSegment(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return SanitizeUser(userID) + "-" + hex.EncodeToString(sum[:])[:userHashLength]
}

// SanitizeUser maps an arbitrary user id onto [a-z0-9-], trimmed to a fixed
// length. The mapping is lossy; use UserSegment where names must not collide.
func SanitizeUser(userID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > maxUserSegment {
		out = out[:maxUserSegment]
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return "user"
	}
	return out
}

// Labels returns the labels shared by all objects of a session
func Labels(s LabSession) map[string]string {
	return map[string]string{
		LabelApp:      LabelAppValue,
		LabelSession:  s.ID,
		LabelUser:     UserSegment(s.UserID),
		LabelWorkload: s.WorkloadName,
	}
}

// Selector returns the labels that select a session's pod
func Selector(s LabSession) map[string]string {
	return map[string]string{
		LabelApp:      LabelAppValue,
		LabelWorkload: s.WorkloadName,
	}
}
