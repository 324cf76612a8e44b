package exposure

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/session"
)

// Ingress routes /<prefix>/<session id> on a shared host to a ClusterIP
// service in front of the session's pod.
type Ingress struct {
	client  cluster.ResourceClient
	builder *cluster.ResourceBuilder

	domain      string
	scheme      string
	prefix      string
	className   string
	tlsSecret   string
	annotations map[string]string
}

// NewIngress creates the path-routed strategy
func NewIngress(cfg config.ExposureConfig, c cluster.ResourceClient, rb *cluster.ResourceBuilder) *Ingress {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &Ingress{
		client:      c,
		builder:     rb,
		domain:      cfg.Domain,
		scheme:      scheme,
		prefix:      strings.Trim(cfg.PathPrefix, "/"),
		className:   cfg.IngressClass,
		tlsSecret:   cfg.TLSSecret,
		annotations: cfg.Annotations,
	}
}

func (i *Ingress) Name() string { return config.StrategyIngress }

func (i *Ingress) Routed() bool { return true }

func (i *Ingress) path(s session.LabSession) string {
	if i.prefix == "" {
		return "/" + s.ID
	}
	return "/" + i.prefix + "/" + s.ID
}

func (i *Ingress) Expose(ctx context.Context, s session.LabSession) (session.LabSession, error) {
	if err := i.client.CreateService(ctx, i.builder.BuildService(s, corev1.ServiceTypeClusterIP, 0)); err != nil {
		return s, err
	}

	ing := i.builder.BuildIngress(s, cluster.IngressOptions{
		Host:        i.domain,
		Path:        i.path(s),
		ClassName:   i.className,
		TLSSecret:   i.tlsSecret,
		Annotations: i.annotations,
	})
	if err := i.client.CreateIngress(ctx, ing); err != nil {
		return s, err
	}
	return s, nil
}

func (i *Ingress) AccessURL(_ context.Context, s session.LabSession) (string, error) {
	return fmt.Sprintf("%s://%s%s/", i.scheme, i.domain, i.path(s)), nil
}
