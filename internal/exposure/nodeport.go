package exposure

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
	"github.com/0019-KDU/online-lab-env/pkg/logging"
)

const nodePortAttempts = 5

// NodePort exposes the desktop on a port opened on every node. Ports are
// picked at random from the configured range, skipping ports already held by
// lab services. A collision reported by the API server is retried with
// another port.
type NodePort struct {
	client  cluster.ResourceClient
	builder *cluster.ResourceBuilder
	logger  *logging.Logger

	address  string
	min, max int32

	// serializes pick-and-create within this process
	mu sync.Mutex
}

// NewNodePort creates the node-exposed strategy
func NewNodePort(cfg config.ExposureConfig, c cluster.ResourceClient, rb *cluster.ResourceBuilder) *NodePort {
	lo, hi := cfg.NodePortMin, cfg.NodePortMax
	if lo == 0 {
		lo = defaultNodePortMin
	}
	if hi == 0 {
		hi = defaultNodePortMax
	}
	return &NodePort{
		client:  c,
		builder: rb,
		logger:  logging.ClusterLogger,
		address: cfg.NodeAddress,
		min:     lo,
		max:     hi,
	}
}

func (n *NodePort) Name() string { return config.StrategyNodePort }

func (n *NodePort) Routed() bool { return false }

func (n *NodePort) Expose(ctx context.Context, s session.LabSession) (session.LabSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	used, err := n.usedPorts(ctx)
	if err != nil {
		return s, err
	}

	var lastErr error
	for attempt := 0; attempt < nodePortAttempts; attempt++ {
		port, ok := n.pick(used)
		if !ok {
			return s, laberrors.NewError(laberrors.ErrorTypeCluster, "no free node port").
				WithOperation("allocate-nodeport").
				WithContext("range", fmt.Sprintf("%d-%d", n.min, n.max)).
				Build()
		}

		err := n.client.CreateService(ctx, n.builder.BuildService(s, corev1.ServiceTypeNodePort, port))
		if err == nil {
			return s.WithNodePort(port, time.Now().UTC()), nil
		}
		if !apierrors.IsInvalid(err) {
			return s, err
		}

		// most likely taken by something outside our label selector
		n.logger.Debug("node port rejected, retrying", logging.Fields{"port": port, "attempt": attempt + 1})
		used[port] = true
		lastErr = err
	}
	return s, lastErr
}

func (n *NodePort) usedPorts(ctx context.Context) (map[int32]bool, error) {
	svcs, err := n.client.ListServices(ctx, map[string]string{session.LabelApp: session.LabelAppValue})
	if err != nil {
		return nil, err
	}
	used := make(map[int32]bool)
	for _, svc := range svcs {
		for _, p := range svc.Spec.Ports {
			if p.NodePort != 0 {
				used[p.NodePort] = true
			}
		}
	}
	return used, nil
}

func (n *NodePort) pick(used map[int32]bool) (int32, bool) {
	size := int(n.max-n.min) + 1
	if len(used) >= size {
		// might still have gaps if used holds ports outside the range
		for p := n.min; p <= n.max; p++ {
			if !used[p] {
				return p, true
			}
		}
		return 0, false
	}
	for {
		p := n.min + int32(rand.Intn(size))
		if !used[p] {
			return p, true
		}
	}
}

func (n *NodePort) AccessURL(ctx context.Context, s session.LabSession) (string, error) {
	addr := n.address
	if addr == "" {
		var err error
		if addr, err = n.nodeAddress(ctx); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("http://%s:%d/", addr, s.NodePort), nil
}

// nodeAddress prefers any node's external IP over an internal one
func (n *NodePort) nodeAddress(ctx context.Context) (string, error) {
	nodes, err := n.client.ListNodes(ctx)
	if err != nil {
		return "", err
	}

	var internal string
	for _, node := range nodes {
		for _, a := range node.Status.Addresses {
			switch a.Type {
			case corev1.NodeExternalIP:
				return a.Address, nil
			case corev1.NodeInternalIP:
				if internal == "" {
					internal = a.Address
				}
			}
		}
	}
	if internal == "" {
		return "", laberrors.NewError(laberrors.ErrorTypeCluster, "no node address available").
			WithOperation("resolve-node-address").
			Build()
	}
	return internal, nil
}
