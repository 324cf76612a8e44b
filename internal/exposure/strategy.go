package exposure

import (
	"context"
	"fmt"
	"time"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

// Strategy makes a session's desktop reachable from outside the cluster.
//
// Expose creates the access objects named on the record and returns the record
// with any assigned bindings filled in. AccessURL is called once the workload
// is ready and may block until the external address is known. Objects created
// by Expose are removed by the lifecycle manager's teardown using the names on
// the record.
type Strategy interface {
	Name() string
	// Routed reports whether the strategy creates an ingress per session
	Routed() bool
	Expose(ctx context.Context, s session.LabSession) (session.LabSession, error)
	AccessURL(ctx context.Context, s session.LabSession) (string, error)
}

const (
	defaultNodePortMin int32 = 30000
	defaultNodePortMax int32 = 32767
	defaultLBAttempts        = 60
	defaultLBInterval        = time.Second
)

// New builds the strategy selected by cfg.Strategy
func New(cfg config.ExposureConfig, c cluster.ResourceClient, rb *cluster.ResourceBuilder) (Strategy, error) {
	switch cfg.Strategy {
	case "", config.StrategyIngress:
		return NewIngress(cfg, c, rb), nil
	case config.StrategyNodePort:
		return NewNodePort(cfg, c, rb), nil
	case config.StrategyLoadBalancer:
		return NewLoadBalancer(cfg, c, rb), nil
	default:
		return nil, laberrors.NewInvalidError(fmt.Sprintf("unknown exposure strategy %q", cfg.Strategy), "exposure.strategy")
	}
}
