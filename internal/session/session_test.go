package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProfile = Profile{
	Image:    "registry.local/ubuntu-desktop:latest",
	CPU:      "1",
	Memory:   "2Gi",
	Storage:  "5Gi",
	Duration: 2 * time.Hour,
}

func TestNewDerivesNames(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New("64F0c1_Student@uni", "labs", testProfile, true, now)

	assert.Equal(t, StatusPending, s.Status)
	assert.True(t, strings.HasPrefix(s.WorkloadName, "lab-"+UserSegment("64F0c1_Student@uni")+"-"))
	assert.Equal(t, "svc-"+s.WorkloadName, s.ServiceName)
	assert.Equal(t, "ing-"+s.WorkloadName, s.IngressName)
	assert.Equal(t, "pvc-"+UserSegment("64F0c1_Student@uni"), s.ClaimName)
	assert.True(t, strings.HasPrefix(s.ClaimName, "pvc-64f0c1-student-uni-"))
	assert.Equal(t, now.Add(2*time.Hour), s.AutoShutdownTime)
	assert.Nil(t, s.EndTime)
	assert.Empty(t, s.AccessURL)

	unrouted := New("u1", "labs", testProfile, false, now)
	assert.Empty(t, unrouted.IngressName)
}

func TestNamesFitDNSLabel(t *testing.T) {
	long := strings.Repeat("x", 200)
	name := ServiceName(WorkloadName(long, time.Now()))
	assert.LessOrEqual(t, len(name), 63)
}

func TestWorkloadNameUniquePerInstant(t *testing.T) {
	t0 := time.Unix(0, 1_700_000_000_000_000_000)
	assert.NotEqual(t, WorkloadName("u", t0), WorkloadName("u", t0.Add(time.Nanosecond)))
	assert.Equal(t, ClaimName("u"), ClaimName("u"))
}

func TestNamesDistinctPerUser(t *testing.T) {
	t0 := time.Unix(0, 1_700_000_000_000_000_000)
	long := strings.Repeat("tenant-", 4)
	pairs := [][2]string{
		{"Alice@lab.io", "alice.lab.io"},
		{"@@@", "!!!"},
		{long + "0000000000001", long + "0000000000002"},
	}
	for _, p := range pairs {
		assert.NotEqual(t, ClaimName(p[0]), ClaimName(p[1]), "%q vs %q", p[0], p[1])
		assert.NotEqual(t, WorkloadName(p[0], t0), WorkloadName(p[1], t0), "%q vs %q", p[0], p[1])
	}
}

func TestUserSegmentIsLabelSafe(t *testing.T) {
	for _, id := range []string{"@@@", "-ABC.def-", strings.Repeat("x", 200), "64f0c1"} {
		seg := UserSegment(id)
		assert.LessOrEqual(t, len(seg), 63)
		assert.Regexp(t, `^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`, seg)
		assert.Equal(t, seg, UserSegment(id))
	}
}

func TestSanitizeUser(t *testing.T) {
	assert.Equal(t, "user", SanitizeUser("@@@"))
	assert.Equal(t, "abc-def", SanitizeUser("-ABC.def-"))
}

func TestTransitionsDoNotMutateReceiver(t *testing.T) {
	now := time.Unix(1000, 0)
	pending := New("u1", "labs", testProfile, true, now)

	running := pending.Running("https://labs.example.com/lab/x/", now.Add(time.Second))
	assert.Equal(t, StatusPending, pending.Status)
	assert.Empty(t, pending.AccessURL)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Nil(t, running.EndTime)

	stopped := running.Stopped(now.Add(time.Minute))
	require.NotNil(t, stopped.EndTime)
	assert.Equal(t, now.Add(time.Minute), *stopped.EndTime)
	assert.Empty(t, stopped.AccessURL)
	assert.Nil(t, running.EndTime)
	assert.Equal(t, "https://labs.example.com/lab/x/", running.AccessURL)
}

func TestTerminalInvariant(t *testing.T) {
	now := time.Unix(1000, 0)
	base := New("u1", "labs", testProfile, false, now)

	for _, s := range []LabSession{
		base.Failed("boom", now),
		base.Running("u", now).Stopped(now),
		base.Running("u", now).Terminated("expired", now),
	} {
		assert.True(t, s.Status.Terminal())
		assert.NotNil(t, s.EndTime)
		assert.Empty(t, s.AccessURL)
	}

	for _, s := range []LabSession{base, base.Running("u", now)} {
		assert.False(t, s.Status.Terminal())
		assert.True(t, s.Status.Active())
		assert.Nil(t, s.EndTime)
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New("u1", "labs", testProfile, false, now).Running("u", now)

	assert.False(t, s.Expired(now.Add(time.Hour)))
	assert.True(t, s.Expired(now.Add(3*time.Hour)))
	assert.False(t, s.Stopped(now).Expired(now.Add(3*time.Hour)))
}
