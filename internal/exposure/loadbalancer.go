package exposure

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

// LoadBalancer gives each session its own external load balancer and waits
// for the cloud provider to publish an address.
type LoadBalancer struct {
	client  cluster.ResourceClient
	builder *cluster.ResourceBuilder

	attempts int
	interval time.Duration
}

// NewLoadBalancer creates the external load-balancer strategy
func NewLoadBalancer(cfg config.ExposureConfig, c cluster.ResourceClient, rb *cluster.ResourceBuilder) *LoadBalancer {
	lb := &LoadBalancer{
		client:   c,
		builder:  rb,
		attempts: cfg.LBAttempts,
		interval: cfg.LBInterval,
	}
	if lb.attempts <= 0 {
		lb.attempts = defaultLBAttempts
	}
	if lb.interval <= 0 {
		lb.interval = defaultLBInterval
	}
	return lb
}

func (l *LoadBalancer) Name() string { return config.StrategyLoadBalancer }

func (l *LoadBalancer) Routed() bool { return false }

func (l *LoadBalancer) Expose(ctx context.Context, s session.LabSession) (session.LabSession, error) {
	return s, l.client.CreateService(ctx, l.builder.BuildService(s, corev1.ServiceTypeLoadBalancer, 0))
}

// AccessURL polls the service until an ingress IP or hostname is assigned.
// Running out of attempts is reported as a deployment timeout.
func (l *LoadBalancer) AccessURL(ctx context.Context, s session.LabSession) (string, error) {
	var host string
	backoff := wait.Backoff{Steps: l.attempts, Duration: l.interval, Factor: 1}

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		svc, err := l.client.GetService(ctx, s.ServiceName)
		if err != nil {
			if laberrors.IsType(err, laberrors.ErrorTypeNotFound) {
				return false, err
			}
			return false, nil
		}
		for _, ing := range svc.Status.LoadBalancer.Ingress {
			switch {
			case ing.IP != "":
				host = ing.IP
			case ing.Hostname != "":
				host = ing.Hostname
			}
			if host != "" {
				return true, nil
			}
		}
		return false, nil
	})
	if err == nil {
		return fmt.Sprintf("http://%s:%d/", host, cluster.WebPort), nil
	}

	if ctx.Err() != nil {
		return "", laberrors.NewCancelledError("wait-loadbalancer", ctx.Err())
	}
	if wait.Interrupted(err) {
		return "", laberrors.NewDeploymentTimeoutError(s.ServiceName, time.Duration(l.attempts)*l.interval, nil)
	}
	return "", err
}
