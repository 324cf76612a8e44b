package cluster

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
	"github.com/0019-KDU/online-lab-env/pkg/logging"
)

// DefaultProbeInterval is the readiness polling period
const DefaultProbeInterval = 3 * time.Second

// Container waiting reasons that never resolve on their own
var fatalWaitingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
}

// Health summarizes a workload pod
type Health int

const (
	HealthUnknown Health = iota
	HealthReady
	HealthFailed
)

// Diagnose classifies a pod. A failed pod comes with a human readable reason.
func Diagnose(pod *corev1.Pod) (Health, string) {
	if pod.DeletionTimestamp != nil {
		return HealthFailed, "workload is being deleted"
	}

	switch pod.Status.Phase {
	case corev1.PodFailed:
		return HealthFailed, podReason(pod, "workload failed")
	case corev1.PodSucceeded:
		return HealthFailed, podReason(pod, "workload exited")
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if term := cs.State.Terminated; term != nil {
			return HealthFailed, fmt.Sprintf("container %s terminated: [%s] %s", cs.Name, term.Reason, term.Message)
		}
		if waiting := cs.State.Waiting; waiting != nil && fatalWaitingReasons[waiting.Reason] {
			return HealthFailed, fmt.Sprintf("container %s waiting: [%s] %s", cs.Name, waiting.Reason, waiting.Message)
		}
	}

	if pod.Status.Phase == corev1.PodRunning {
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return HealthReady, ""
			}
		}
	}
	return HealthUnknown, ""
}

func podReason(pod *corev1.Pod, fallback string) string {
	if pod.Status.Reason != "" || pod.Status.Message != "" {
		return fmt.Sprintf("%s: [%s] %s", fallback, pod.Status.Reason, pod.Status.Message)
	}
	return fallback
}

// Prober waits for workloads to become ready. It holds no locks while waiting.
type Prober struct {
	client   ResourceClient
	interval time.Duration
	logger   *logging.Logger
}

// NewProber creates a prober polling every interval
func NewProber(c ResourceClient, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{client: c, interval: interval, logger: logging.ClusterLogger}
}

// WaitUntilReady polls the workload until it reports ready, fails, the
// timeout elapses (DeploymentTimeout) or ctx is cancelled (Cancelled).
func (p *Prober) WaitUntilReady(ctx context.Context, workload string, timeout time.Duration) error {
	var lastErr error

	err := wait.PollUntilContextTimeout(ctx, p.interval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := p.client.GetWorkload(ctx, workload)
		if err != nil {
			// not created yet, or a transient API error
			lastErr = err
			return false, nil
		}

		health, reason := Diagnose(pod)
		switch health {
		case HealthReady:
			return true, nil
		case HealthFailed:
			return false, laberrors.NewError(laberrors.ErrorTypeCluster, reason).
				WithOperation("wait-ready").
				WithObject("pod/" + workload).
				Build()
		}
		lastErr = nil
		return false, nil
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return laberrors.NewCancelledError("wait-ready", ctx.Err())
	}
	if wait.Interrupted(err) {
		p.logger.Info("workload not ready before deadline", logging.Fields{
			"workload": workload,
			"timeout":  timeout.String(),
		})
		return laberrors.NewDeploymentTimeoutError(workload, timeout, lastErr)
	}
	return err
}
