package lifecycle

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/events"
	"github.com/0019-KDU/online-lab-env/internal/exposure"
	"github.com/0019-KDU/online-lab-env/internal/session"
	"github.com/0019-KDU/online-lab-env/internal/store"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
	"github.com/0019-KDU/online-lab-env/pkg/logging"
	"github.com/0019-KDU/online-lab-env/pkg/metrics"
	"github.com/0019-KDU/online-lab-env/pkg/tracing"
)

const (
	reasonExpired     = "expired"
	reasonInterrupted = "deployment interrupted"
	publishTimeout    = 5 * time.Second
)

// ReadinessProber blocks until a workload is ready
type ReadinessProber interface {
	WaitUntilReady(ctx context.Context, workload string, timeout time.Duration) error
}

// Options tunes the manager
type Options struct {
	Namespace        string
	ConcurrencyLimit int
	ReadinessTimeout time.Duration
	// PendingTimeout is how long a pending record may exist before the sweep
	// assumes its deployment was interrupted by a restart.
	PendingTimeout  time.Duration
	SweepInterval   time.Duration
	Retention       time.Duration
	TeardownTimeout time.Duration
}

// OptionsFromConfig maps process configuration onto manager options
func OptionsFromConfig(cfg *config.Config) Options {
	pending := 2*cfg.Readiness.Timeout + time.Duration(cfg.Exposure.LBAttempts)*cfg.Exposure.LBInterval
	return Options{
		Namespace:        cfg.Namespace,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		ReadinessTimeout: cfg.Readiness.Timeout,
		PendingTimeout:   pending,
		SweepInterval:    cfg.Sweep.Interval,
		Retention:        cfg.Sweep.Retention,
		TeardownTimeout:  cfg.Sweep.TeardownTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.ConcurrencyLimit < 1 {
		o.ConcurrencyLimit = 1
	}
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = 90 * time.Second
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = 3 * o.ReadinessTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 30 * time.Second
	}
	return o
}

// Dependencies are the collaborators injected into the manager. Events,
// Metrics and Tracer are optional.
type Dependencies struct {
	Store    store.Store
	Cluster  cluster.ResourceClient
	Builder  *cluster.ResourceBuilder
	Prober   ReadinessProber
	Strategy exposure.Strategy
	Catalog  *config.Catalog
	Locker   Locker
	Events   events.Publisher
	Metrics  *metrics.Collector
	Tracer   *tracing.Tracer
}

// Manager owns the session state machine: admission, deployment, stop,
// expiry and rollback. Every status change is a conditional store update, so
// concurrent stop, sweep and watcher calls agree on a single winner and only
// the winner tears down cluster objects.
type Manager struct {
	store    store.Store
	cluster  cluster.ResourceClient
	builder  *cluster.ResourceBuilder
	prober   ReadinessProber
	strategy exposure.Strategy
	catalog  *config.Catalog
	locker   Locker
	events   events.Publisher
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	logger   *logging.Logger
	oplog    *logging.OperationLogger
	opts     Options
	now      func() time.Time
}

// NewManager wires a manager
func NewManager(deps Dependencies, opts Options) *Manager {
	opts = opts.withDefaults()
	if deps.Builder == nil {
		deps.Builder = cluster.NewResourceBuilder(opts.Namespace)
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.GetTracer()
	}

	return &Manager{
		store:    deps.Store,
		cluster:  deps.Cluster,
		builder:  deps.Builder,
		prober:   deps.Prober,
		strategy: deps.Strategy,
		catalog:  deps.Catalog,
		locker:   deps.Locker,
		events:   deps.Events,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   logging.LifecycleLogger,
		oplog:    logging.NewOperationLogger(logging.LifecycleLogger),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Catalog exposes the template catalog the manager resolves against
func (m *Manager) Catalog() *config.Catalog {
	return m.catalog
}

// StartSession starts a session with the default profile
func (m *Manager) StartSession(ctx context.Context, userID string) (session.LabSession, error) {
	rec, _, err := m.StartSessionFromTemplate(ctx, userID, "")
	return rec, err
}

// StartSessionFromTemplate admits and deploys a session for userID. An empty
// templateID selects the default profile.
//
// If the user already has an active session for the same template it is
// returned unchanged and created is false. An active session for a different
// template is not returned: it counts against the limit, so a start for
// another template at the limit fails with CapacityExceeded. On deployment
// failure the returned record is the failed one and the error is the
// originating failure.
func (m *Manager) StartSessionFromTemplate(ctx context.Context, userID, templateID string) (rec session.LabSession, created bool, err error) {
	ctx, span := m.tracer.SessionSpan(ctx, "start-session", userID)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrTemplateID, templateID))

	if userID == "" {
		return session.LabSession{}, false, laberrors.NewInvalidError("user id is required", "userId")
	}
	profile, err := m.resolveProfile(templateID)
	if err != nil {
		return session.LabSession{}, false, err
	}

	rec, existing, err := m.admit(ctx, userID, profile)
	if err != nil {
		m.recordError(err)
		tracing.RecordError(span, err, string(laberrors.TypeOf(err)))
		return session.LabSession{}, false, err
	}
	tracing.AddSessionContext(span, rec.ID, userID)
	if existing {
		m.logger.Debug("returning existing session", logging.Fields{"sessionId": rec.ID, "userId": userID})
		return rec, false, nil
	}

	m.metrics.RecordSessionStarted(profile.TemplateID)
	m.publish(ctx, rec)

	result, err := m.deploy(ctx, rec, profile)
	if err != nil {
		tracing.RecordError(span, err, string(laberrors.TypeOf(err)))
		return result, true, err
	}
	tracing.RecordSuccess(span)
	return result, true, nil
}

func (m *Manager) resolveProfile(templateID string) (session.Profile, error) {
	if m.catalog == nil {
		return session.Profile{}, laberrors.NewInvalidError("no lab profile configured", "templateId")
	}
	if templateID == "" {
		return m.catalog.Default(), nil
	}
	profile, ok := m.catalog.Lookup(templateID)
	if !ok {
		return session.Profile{}, laberrors.NewInvalidError("unknown or inactive template "+templateID, "templateId")
	}
	return profile, nil
}

// admit runs the check-then-insert under the user's lock. Only this section
// is serialized; deployment runs unlocked.
func (m *Manager) admit(ctx context.Context, userID string, profile session.Profile) (session.LabSession, bool, error) {
	unlock, err := m.locker.Lock(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return session.LabSession{}, false, laberrors.NewCancelledError("admission", err)
		}
		return session.LabSession{}, false, laberrors.NewError(laberrors.ErrorTypeCluster, "admission lock unavailable").
			WithOperation("admission").
			WithUser(userID).
			WithUnderlying(err).
			Build()
	}
	defer unlock()

	active, err := m.store.ListByUser(ctx, userID, session.ActiveStatuses...)
	if err != nil {
		return session.LabSession{}, false, err
	}
	if existing, ok := sameTemplate(active, profile.TemplateID); ok {
		return existing, true, nil
	}
	if len(active) >= m.opts.ConcurrencyLimit {
		return session.LabSession{}, false, laberrors.NewCapacityExceededError(userID, m.opts.ConcurrencyLimit)
	}

	rec := session.New(userID, m.opts.Namespace, profile, m.strategy.Routed(), m.now())
	if err := m.store.Create(ctx, &rec); err != nil {
		return session.LabSession{}, false, err
	}
	m.logger.Info("session admitted", logging.Fields{
		"sessionId": rec.ID,
		"userId":    userID,
		"workload":  rec.WorkloadName,
		"template":  profile.TemplateID,
	})
	return rec, false, nil
}

// sameTemplate prefers a running match over a pending one
func sameTemplate(active []session.LabSession, templateID string) (session.LabSession, bool) {
	var found session.LabSession
	ok := false
	for _, s := range active {
		if s.TemplateID != templateID {
			continue
		}
		if !ok || (found.Status != session.StatusRunning && s.Status == session.StatusRunning) {
			found, ok = s, true
		}
	}
	return found, ok
}

func (m *Manager) deploy(ctx context.Context, rec session.LabSession, profile session.Profile) (session.LabSession, error) {
	timer := m.metrics.NewTimer()
	logger := m.logger.WithSession(rec.Namespace, rec.ID, rec.UserID)

	running, err := m.provision(ctx, rec, profile)
	if err != nil {
		timer.RecordDeploy(string(session.StatusFailed))
		logger.Error(err, "deployment failed", logging.Fields{"workload": rec.WorkloadName})
		// running holds the last persisted snapshot here
		return m.fail(ctx, running, err)
	}

	timer.RecordDeploy(string(session.StatusRunning))
	logger.Info("session running", logging.Fields{
		"workload":    rec.WorkloadName,
		"accessUrl":   running.AccessURL,
		"duration_ms": timer.Elapsed().Milliseconds(),
	})
	return running, nil
}

// provision runs the deployment pipeline. On error the returned record is the
// last persisted snapshot, so teardown sees every object name assigned so far.
func (m *Manager) provision(ctx context.Context, rec session.LabSession, profile session.Profile) (session.LabSession, error) {
	step := func(name string, fn func(context.Context) error) error {
		return m.tracer.TracedOperation(ctx, name, func(ctx context.Context) error {
			return m.oplog.LogOperation(ctx, name, func() error { return fn(ctx) })
		}, attribute.String(tracing.AttrSessionID, rec.ID))
	}

	err := step("ensure-claim", func(ctx context.Context) error {
		pvc, err := m.builder.BuildClaim(rec, profile.Storage, profile.StorageClass)
		if err != nil {
			return laberrors.NewInvalidError(err.Error(), "storage")
		}
		return m.cluster.EnsureClaim(ctx, pvc)
	})
	if err != nil {
		return rec, err
	}

	err = step("create-workload", func(ctx context.Context) error {
		pod, err := m.builder.BuildPod(rec)
		if err != nil {
			return laberrors.NewInvalidError(err.Error(), "resources")
		}
		return m.cluster.CreateWorkload(ctx, pod)
	})
	if err != nil {
		return rec, err
	}

	err = step("expose", func(ctx context.Context) error {
		exposed, err := m.strategy.Expose(ctx, rec)
		if err != nil {
			return err
		}
		if exposed.NodePort != rec.NodePort {
			if err := m.store.Transition(ctx, exposed, session.StatusPending); err != nil {
				return err
			}
			rec = exposed
		}
		return nil
	})
	if err != nil {
		return rec, err
	}

	err = step("wait-ready", func(ctx context.Context) error {
		timer := m.metrics.NewTimer()
		if err := m.prober.WaitUntilReady(ctx, rec.WorkloadName, m.opts.ReadinessTimeout); err != nil {
			return err
		}
		timer.RecordReadiness()
		return nil
	})
	if err != nil {
		return rec, err
	}

	var running session.LabSession
	err = step("publish-access", func(ctx context.Context) error {
		url, err := m.strategy.AccessURL(ctx, rec)
		if err != nil {
			return err
		}
		running = rec.Running(url, m.now())
		return m.store.Transition(ctx, running, session.StatusPending)
	})
	if err != nil {
		return rec, err
	}

	m.metrics.RecordSessionRunning()
	m.publish(ctx, running)
	return running, nil
}

// fail records the failure, tears down what was created and returns the
// failed record with the original cause. Runs even if ctx was cancelled.
func (m *Manager) fail(ctx context.Context, rec session.LabSession, cause error) (session.LabSession, error) {
	bg := context.WithoutCancel(ctx)
	failed := rec.Failed(cause.Error(), m.now())

	if err := m.store.Transition(bg, failed, session.StatusPending); err != nil {
		m.logger.Error(err, "failed to record deployment failure", logging.Fields{"sessionId": rec.ID})
	}
	m.recordError(cause)
	m.metrics.RecordSessionEnded(string(session.StatusFailed), errorLabel(cause), false)

	m.teardown(bg, rec)
	m.publish(bg, failed)
	return failed, cause
}

// teardown deletes the workload and its access objects. The claim is never
// touched. Errors are logged only.
func (m *Manager) teardown(ctx context.Context, rec session.LabSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()
	logger := m.logger.WithSession(rec.Namespace, rec.ID, rec.UserID)

	if err := m.cluster.DeleteWorkload(ctx, rec.WorkloadName); err != nil {
		logger.Error(err, "failed to delete workload", logging.Fields{"workload": rec.WorkloadName})
	}
	if rec.ServiceName != "" {
		if err := m.cluster.DeleteService(ctx, rec.ServiceName); err != nil {
			logger.Error(err, "failed to delete service", logging.Fields{"service": rec.ServiceName})
		}
	}
	if rec.IngressName != "" {
		if err := m.cluster.DeleteIngress(ctx, rec.IngressName); err != nil {
			logger.Error(err, "failed to delete ingress", logging.Fields{"ingress": rec.IngressName})
		}
	}
}

// GetActiveSession returns the user's running session, most recent first
func (m *Manager) GetActiveSession(ctx context.Context, userID string) (session.LabSession, bool, error) {
	running, err := m.store.ListByUser(ctx, userID, session.StatusRunning)
	if err != nil {
		return session.LabSession{}, false, err
	}
	if len(running) == 0 {
		return session.LabSession{}, false, nil
	}
	return latest(running), true, nil
}

// ListSessions returns the user's pending and running sessions
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]session.LabSession, error) {
	return m.store.ListByUser(ctx, userID, session.ActiveStatuses...)
}

// ListActive returns every pending and running session
func (m *Manager) ListActive(ctx context.Context) ([]session.LabSession, error) {
	return m.store.ListByStatus(ctx, session.ActiveStatuses...)
}

// StopSession stops the user's running session. With no running session it
// returns NotFound without touching the cluster.
func (m *Manager) StopSession(ctx context.Context, userID string) (session.LabSession, error) {
	ctx, span := m.tracer.SessionSpan(ctx, "stop-session", userID)
	defer span.End()

	rec, ok, err := m.GetActiveSession(ctx, userID)
	if err != nil {
		return session.LabSession{}, err
	}
	if !ok {
		return session.LabSession{}, notRunning(userID, "no running session")
	}
	tracing.AddSessionContext(span, rec.ID, userID)
	return m.stop(ctx, rec)
}

// StopSessionByID stops a specific running session owned by userID
func (m *Manager) StopSessionByID(ctx context.Context, userID, sessionID string) (session.LabSession, error) {
	ctx, span := m.tracer.SessionSpan(ctx, "stop-session", userID)
	defer span.End()
	tracing.AddSessionContext(span, sessionID, userID)

	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return session.LabSession{}, err
	}
	if rec.UserID != userID || rec.Status != session.StatusRunning {
		return session.LabSession{}, notRunning(userID, "no running session " + sessionID)
	}
	return m.stop(ctx, rec)
}

func (m *Manager) stop(ctx context.Context, rec session.LabSession) (session.LabSession, error) {
	stopped := rec.Stopped(m.now())
	won, err := m.end(ctx, stopped, "user")
	if err != nil {
		return session.LabSession{}, err
	}
	if !won {
		return session.LabSession{}, notRunning(rec.UserID, "session is no longer running")
	}
	m.teardown(ctx, rec)
	m.logger.Info("session stopped", logging.Fields{"sessionId": rec.ID, "userId": rec.UserID})
	return stopped, nil
}

// end applies a terminal transition from running. It reports false when
// another caller ended the session first.
func (m *Manager) end(ctx context.Context, next session.LabSession, reason string) (bool, error) {
	err := m.store.Transition(ctx, next, session.StatusRunning)
	if errors.Is(err, store.ErrStaleTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.metrics.RecordSessionEnded(string(next.Status), reason, true)
	m.publish(ctx, next)
	return true, nil
}

// RecordAccess marks the user's running session as recently used
func (m *Manager) RecordAccess(ctx context.Context, userID string) (session.LabSession, error) {
	rec, ok, err := m.GetActiveSession(ctx, userID)
	if err != nil {
		return session.LabSession{}, err
	}
	if !ok {
		return session.LabSession{}, notRunning(userID, "no running session")
	}

	touched := rec.Touched(m.now())
	err = m.store.Transition(ctx, touched, session.StatusRunning)
	if errors.Is(err, store.ErrStaleTransition) {
		return session.LabSession{}, notRunning(userID, "session is no longer running")
	}
	if err != nil {
		return session.LabSession{}, err
	}
	return touched, nil
}

// HandleWorkloadFailure terminates the running session backed by workload.
// Unknown workloads and sessions that are not running are ignored.
func (m *Manager) HandleWorkloadFailure(ctx context.Context, workload, reason string) error {
	rec, err := m.store.GetByWorkload(ctx, workload)
	if laberrors.IsType(err, laberrors.ErrorTypeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != session.StatusRunning {
		return nil
	}

	won, err := m.end(ctx, rec.Terminated(reason, m.now()), "workload_failure")
	if err != nil || !won {
		return err
	}
	m.logger.Info("session terminated after workload failure", logging.Fields{
		"sessionId": rec.ID,
		"workload":  workload,
		"reason":    reason,
	})
	m.teardown(ctx, rec)
	return nil
}

// ExpireSessions terminates running sessions past their deadline
func (m *Manager) ExpireSessions(ctx context.Context) (int, error) {
	now := m.now()
	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range expired {
		won, err := m.end(ctx, rec.Terminated(reasonExpired, now), reasonExpired)
		if err != nil {
			m.logger.Error(err, "failed to expire session", logging.Fields{"sessionId": rec.ID})
			continue
		}
		if !won {
			continue
		}
		m.teardown(ctx, rec)
		n++
	}
	if n > 0 {
		m.logger.Info("expired sessions", logging.Fields{"count": n})
	}
	m.metrics.RecordSweep(reasonExpired, n)
	return n, nil
}

// FailStalePending fails pending records whose deployment can no longer be
// in flight, typically left behind by a restart mid-deploy.
func (m *Manager) FailStalePending(ctx context.Context) (int, error) {
	now := m.now()
	pending, err := m.store.ListByStatus(ctx, session.StatusPending)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range pending {
		if now.Sub(rec.StartTime) < m.opts.PendingTimeout {
			continue
		}
		failed := rec.Failed(reasonInterrupted, now)
		err := m.store.Transition(ctx, failed, session.StatusPending)
		if errors.Is(err, store.ErrStaleTransition) {
			continue
		}
		if err != nil {
			m.logger.Error(err, "failed to fail stale session", logging.Fields{"sessionId": rec.ID})
			continue
		}
		m.metrics.RecordSessionEnded(string(session.StatusFailed), "interrupted", false)
		m.publish(ctx, failed)
		m.teardown(ctx, rec)
		n++
	}
	m.metrics.RecordSweep("interrupted", n)
	return n, nil
}

// PurgeSessions deletes terminal records older than the retention window
func (m *Manager) PurgeSessions(ctx context.Context) (int64, error) {
	n, err := m.store.Purge(ctx, m.now().Add(-m.opts.Retention))
	if err != nil {
		return 0, err
	}
	m.metrics.RecordSweep("purged", int(n))
	return n, nil
}

// Sweep runs one pass of every periodic task
func (m *Manager) Sweep(ctx context.Context) {
	if _, err := m.ExpireSessions(ctx); err != nil {
		m.logger.Error(err, "expiry sweep failed")
	}
	if _, err := m.FailStalePending(ctx); err != nil {
		m.logger.Error(err, "stale pending sweep failed")
	}
	if _, err := m.PurgeSessions(ctx); err != nil {
		m.logger.Error(err, "purge failed")
	}
}

// Start runs the sweep on a fixed interval until ctx is done. It satisfies
// the controller-runtime Runnable interface.
func (m *Manager) Start(ctx context.Context) error {
	if running, err := m.store.ListByStatus(ctx, session.StatusRunning); err == nil {
		m.metrics.SetActiveSessions(len(running))
	}

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("session sweeper started", logging.Fields{"interval": m.opts.SweepInterval.String()})
	for {
		m.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// NeedLeaderElection keeps the sweeper on a single replica
func (m *Manager) NeedLeaderElection() bool {
	return true
}

func (m *Manager) publish(ctx context.Context, rec session.LabSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.events.Publish(ctx, events.For(rec, m.now())); err != nil {
		m.logger.Warn("failed to publish session event", logging.Fields{
			"sessionId": rec.ID,
			"status":    string(rec.Status),
			"error":     err.Error(),
		})
	}
}

func (m *Manager) recordError(err error) {
	m.metrics.RecordError(errorLabel(err))
}

func notRunning(userID, msg string) error {
	return laberrors.NewError(laberrors.ErrorTypeNotFound, msg).WithUser(userID).Build()
}

func errorLabel(err error) string {
	if t := laberrors.TypeOf(err); t != "" {
		return string(t)
	}
	return "unknown"
}

func latest(sessions []session.LabSession) session.LabSession {
	sorted := append([]session.LabSession(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime.After(sorted[j].StartTime) })
	return sorted[0]
}
