package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

func podWithStatus(name string, status corev1.PodStatus) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Status:     status,
	}
}

func readyStatus() corev1.PodStatus {
	return corev1.PodStatus{
		Phase: corev1.PodRunning,
		Conditions: []corev1.PodCondition{
			{Type: corev1.PodReady, Status: corev1.ConditionTrue},
		},
	}
}

func TestDiagnose(t *testing.T) {
	health, _ := Diagnose(podWithStatus("p", readyStatus()))
	assert.Equal(t, HealthReady, health)

	health, _ = Diagnose(podWithStatus("p", corev1.PodStatus{Phase: corev1.PodPending}))
	assert.Equal(t, HealthUnknown, health)

	health, reason := Diagnose(podWithStatus("p", corev1.PodStatus{Phase: corev1.PodFailed, Reason: "Evicted"}))
	assert.Equal(t, HealthFailed, health)
	assert.Contains(t, reason, "Evicted")

	health, reason = Diagnose(podWithStatus("p", corev1.PodStatus{
		Phase: corev1.PodPending,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  DesktopContainer,
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"}},
		}},
	}))
	assert.Equal(t, HealthFailed, health)
	assert.Contains(t, reason, "ImagePullBackOff")
}

func TestProber_Ready(t *testing.T) {
	c := NewClient(newFakeClient(podWithStatus("lab-a", readyStatus())), nil, testNamespace, nil)
	p := NewProber(c, 10*time.Millisecond)

	require.NoError(t, p.WaitUntilReady(context.Background(), "lab-a", time.Second))
}

func TestProber_Timeout(t *testing.T) {
	c := NewClient(newFakeClient(podWithStatus("lab-slow", corev1.PodStatus{Phase: corev1.PodPending})), nil, testNamespace, nil)
	p := NewProber(c, 10*time.Millisecond)

	err := p.WaitUntilReady(context.Background(), "lab-slow", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, laberrors.ErrDeploymentTimeout))
	assert.Contains(t, err.Error(), "lab-slow")
}

func TestProber_MissingWorkloadTimesOut(t *testing.T) {
	c := NewClient(newFakeClient(), nil, testNamespace, nil)
	p := NewProber(c, 10*time.Millisecond)

	err := p.WaitUntilReady(context.Background(), "lab-ghost", 50*time.Millisecond)
	assert.True(t, errors.Is(err, laberrors.ErrDeploymentTimeout))
}

func TestProber_FailedWorkloadFailsFast(t *testing.T) {
	c := NewClient(newFakeClient(podWithStatus("lab-dead", corev1.PodStatus{Phase: corev1.PodFailed})), nil, testNamespace, nil)
	p := NewProber(c, 10*time.Millisecond)

	start := time.Now()
	err := p.WaitUntilReady(context.Background(), "lab-dead", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, laberrors.ErrCluster))
	assert.Less(t, time.Since(start), time.Second)
}

func TestProber_Cancelled(t *testing.T) {
	c := NewClient(newFakeClient(podWithStatus("lab-slow", corev1.PodStatus{Phase: corev1.PodPending})), nil, testNamespace, nil)
	p := NewProber(c, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := p.WaitUntilReady(ctx, "lab-slow", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, laberrors.ErrCancelled))
}
