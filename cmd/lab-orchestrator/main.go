package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/0019-KDU/online-lab-env/internal/api"
	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/controller"
	"github.com/0019-KDU/online-lab-env/internal/events"
	"github.com/0019-KDU/online-lab-env/internal/exposure"
	"github.com/0019-KDU/online-lab-env/internal/lifecycle"
	"github.com/0019-KDU/online-lab-env/internal/store"
	"github.com/0019-KDU/online-lab-env/pkg/metrics"
	"github.com/0019-KDU/online-lab-env/pkg/tracing"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var configPath string
	var namespace string
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var syncPeriod time.Duration
	var cacheSyncTimeout time.Duration
	var maxConcurrentReconciles int
	var gracefulShutdownTimeout time.Duration

	flag.StringVar(&configPath, "config", "", "Path to a YAML config file. LAB_* environment variables override it.")
	flag.StringVar(&namespace, "namespace", "", "Namespace lab workloads run in. Overrides the configured namespace.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for the orchestrator. "+
			"Enabling this will ensure only one instance runs the sweep and the workload watcher.")
	flag.BoolVar(&secureMetrics, "metrics-secure", false,
		"If set the metrics endpoint is served securely")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.DurationVar(&syncPeriod, "sync-period", 10*time.Minute,
		"Minimum resync period of the workload watcher")
	flag.DurationVar(&cacheSyncTimeout, "cache-sync-timeout", 2*time.Minute,
		"Timeout for initial cache sync")
	flag.IntVar(&maxConcurrentReconciles, "max-concurrent-reconciles", 4,
		"Maximum number of concurrent workload reconciles")
	flag.DurationVar(&gracefulShutdownTimeout, "graceful-shutdown-timeout", 30*time.Second,
		"Timeout for graceful shutdown")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}

	if err := tracing.InitTracing(cfg.Tracing); err != nil {
		setupLog.Error(err, "unable to initialize tracing")
		os.Exit(1)
	}
	tracer := tracing.GetTracer()

	catalog, err := config.LoadCatalog(cfg.TemplatesFile, cfg.DefaultProfile())
	if err != nil {
		setupLog.Error(err, "unable to load template catalog", "path", cfg.TemplatesFile)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		setupLog.Error(err, "unable to open session store")
		os.Exit(1)
	}
	if err := store.Migrate(db); err != nil {
		setupLog.Error(err, "unable to migrate session store")
		os.Exit(1)
	}
	sessions := store.NewGormStore(db)

	// HTTP/2 stays off unless asked for (Stream Cancellation and Rapid Reset CVEs)
	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		})
	}

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   metricsAddr,
			SecureServing: secureMetrics,
			TLSOpts:       tlsOpts,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "lab-orchestrator-leader-election",
		Cache: cache.Options{
			SyncPeriod: &syncPeriod,
			DefaultNamespaces: map[string]cache.Config{
				cfg.Namespace: {},
			},
		},
		GracefulShutdownTimeout: &gracefulShutdownTimeout,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	clusterClient := cluster.NewClient(mgr.GetClient(), mgr.GetAPIReader(), cfg.Namespace,
		cluster.NewBreaker(cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.OpenTimeout))
	builder := cluster.NewResourceBuilder(cfg.Namespace)

	strategy, err := exposure.New(cfg.Exposure, clusterClient, builder)
	if err != nil {
		setupLog.Error(err, "unable to configure exposure strategy")
		os.Exit(1)
	}
	locker, err := lifecycle.NewLocker(cfg.Lock)
	if err != nil {
		setupLog.Error(err, "unable to configure admission lock")
		os.Exit(1)
	}
	publisher, err := events.NewPublisher(cfg.Events)
	if err != nil {
		setupLog.Error(err, "unable to configure event publisher")
		os.Exit(1)
	}

	collector := metrics.NewCollector(nil)
	manager := lifecycle.NewManager(lifecycle.Dependencies{
		Store:    sessions,
		Cluster:  clusterClient,
		Builder:  builder,
		Prober:   cluster.NewProber(clusterClient, cfg.Readiness.Interval),
		Strategy: strategy,
		Catalog:  catalog,
		Locker:   locker,
		Events:   publisher,
		Metrics:  collector,
		Tracer:   tracer,
	}, lifecycle.OptionsFromConfig(cfg))
	if err := mgr.Add(manager); err != nil {
		setupLog.Error(err, "unable to add session sweep")
		os.Exit(1)
	}

	if err = (&controller.WorkloadReconciler{
		Client:    mgr.GetClient(),
		Sessions:  sessions,
		Lifecycle: manager,
		Recorder:  mgr.GetEventRecorderFor("lab-orchestrator"),
		Metrics:   collector,
		Namespace: cfg.Namespace,
	}).SetupWithManager(mgr, maxConcurrentReconciles, tracer); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "LabWorkload")
		os.Exit(1)
	}

	if cfg.HTTP.Addr != "" {
		server, err := api.NewServer(cfg.HTTP, manager, sessions.Ping)
		if err != nil {
			setupLog.Error(err, "unable to configure API server")
			os.Exit(1)
		}
		if err := mgr.Add(server); err != nil {
			setupLog.Error(err, "unable to add API server")
			os.Exit(1)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create clientset")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("cache-sync", func(req *http.Request) error {
		ctx, cancel := context.WithTimeout(req.Context(), cacheSyncTimeout)
		defer cancel()
		if !mgr.GetCache().WaitForCacheSync(ctx) {
			return fmt.Errorf("cache not synced within timeout (%v)", cacheSyncTimeout)
		}
		return nil
	}); err != nil {
		setupLog.Error(err, "unable to set up cache sync check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("store", func(req *http.Request) error {
		return sessions.Ping(req.Context())
	}); err != nil {
		setupLog.Error(err, "unable to set up store check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("cluster", func(_ *http.Request) error {
		if _, err := clientset.Discovery().ServerVersion(); err != nil {
			return fmt.Errorf("cluster API unreachable: %w", err)
		}
		return nil
	}); err != nil {
		setupLog.Error(err, "unable to set up cluster check")
		os.Exit(1)
	}

	setupLog.Info("starting manager",
		"version", getVersion(),
		"namespace", cfg.Namespace,
		"exposure", strategy.Name(),
		"lock", cfg.Lock.Backend,
		"events", cfg.Events.Backend,
		"templates", len(catalog.Templates()),
		"max-concurrent-reconciles", maxConcurrentReconciles,
		"graceful-shutdown-timeout", gracefulShutdownTimeout)

	runErr := mgr.Start(ctrl.SetupSignalHandler())

	if err := publisher.Close(); err != nil {
		setupLog.Error(err, "failed to close event publisher")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tracer.Close(shutdownCtx); err != nil {
		setupLog.Error(err, "failed to flush traces")
	}
	cancel()

	if runErr != nil {
		setupLog.Error(runErr, "problem running manager")
		os.Exit(1)
	}
}

func getVersion() string {
	version := os.Getenv("VERSION")
	if version == "" {
		return "dev"
	}
	return version
}
