package controller

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/session"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
	"github.com/0019-KDU/online-lab-env/pkg/metrics"
	"github.com/0019-KDU/online-lab-env/pkg/tracing"
)

// Reconcile outcomes recorded in metrics
const (
	ResultHealthy    = "healthy"
	ResultTerminated = "terminated"
	ResultOrphan     = "orphan"
	ResultError      = "error"
)

// SessionFinder resolves the session record behind a workload
type SessionFinder interface {
	GetByWorkload(ctx context.Context, workloadName string) (session.LabSession, error)
}

// FailureHandler ends the running session of a failed workload
type FailureHandler interface {
	HandleWorkloadFailure(ctx context.Context, workload, reason string) error
}

// WorkloadReconciler watches lab pods. A running session whose pod has
// failed or disappeared is terminated; a pod whose session is terminal or
// unknown is deleted together with its access objects.
type WorkloadReconciler struct {
	client.Client
	Sessions  SessionFinder
	Lifecycle FailureHandler
	Recorder  record.EventRecorder
	Metrics   *metrics.Collector
	Namespace string
}

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;delete
// +kubebuilder:rbac:groups="",resources=services,verbs=delete
// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile implements the reconciliation loop
func (r *WorkloadReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("workload", req.Name)

	pod := &corev1.Pod{}
	if err := r.Get(ctx, req.NamespacedName, pod); err != nil {
		if !errors.IsNotFound(err) {
			logger.Error(err, "Failed to get workload")
			return r.done(ResultError, err)
		}
		// gone while its session may still be marked running
		if err := r.Lifecycle.HandleWorkloadFailure(ctx, req.Name, "workload deleted"); err != nil {
			logger.Error(err, "Failed to end session of deleted workload")
			return r.done(ResultError, err)
		}
		return r.done(ResultHealthy, nil)
	}

	rec, err := r.Sessions.GetByWorkload(ctx, pod.Name)
	switch {
	case laberrors.IsType(err, laberrors.ErrorTypeNotFound):
		logger.Info("Deleting workload without a session")
		return r.deleteOrphan(ctx, pod, "no session record")
	case err != nil:
		logger.Error(err, "Failed to look up session")
		return r.done(ResultError, err)
	case rec.Status.Terminal():
		if pod.DeletionTimestamp != nil {
			return r.done(ResultHealthy, nil)
		}
		logger.Info("Deleting workload of ended session", "sessionId", rec.ID, "status", rec.Status)
		return r.deleteOrphan(ctx, pod, "session "+string(rec.Status))
	case rec.Status != session.StatusRunning:
		// pending sessions belong to the readiness prober
		return r.done(ResultHealthy, nil)
	}

	health, reason := cluster.Diagnose(pod)
	if health != cluster.HealthFailed {
		return r.done(ResultHealthy, nil)
	}

	logger.Info("Workload failed, terminating session", "sessionId", rec.ID, "reason", reason)
	r.Recorder.Eventf(pod, corev1.EventTypeWarning, "WorkloadFailed", "Terminating session %s: %s", rec.ID, reason)
	if err := r.Lifecycle.HandleWorkloadFailure(ctx, pod.Name, reason); err != nil {
		logger.Error(err, "Failed to terminate session")
		return r.done(ResultError, err)
	}
	return r.done(ResultTerminated, nil)
}

func (r *WorkloadReconciler) deleteOrphan(ctx context.Context, pod *corev1.Pod, why string) (ctrl.Result, error) {
	r.Recorder.Eventf(pod, corev1.EventTypeNormal, "OrphanDeleted", "Deleting workload: %s", why)

	objects := []client.Object{
		pod,
		&corev1.Service{},
		&networkingv1.Ingress{},
	}
	objects[1].SetName(session.ServiceName(pod.Name))
	objects[2].SetName(session.IngressName(pod.Name))

	for _, obj := range objects {
		obj.SetNamespace(pod.Namespace)
		err := r.Delete(ctx, obj, client.PropagationPolicy("Background"))
		if client.IgnoreNotFound(err) != nil {
			return r.done(ResultError, err)
		}
	}
	return r.done(ResultOrphan, nil)
}

func (r *WorkloadReconciler) done(result string, err error) (ctrl.Result, error) {
	if r.Metrics != nil {
		r.Metrics.RecordReconcile(result)
	}
	return laberrors.ReconcileResult(err)
}

// SetupWithManager sets up the controller with the Manager
func (r *WorkloadReconciler) SetupWithManager(mgr ctrl.Manager, maxConcurrentReconciles int, tracer *tracing.Tracer) error {
	labPods := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetNamespace() == r.Namespace &&
			obj.GetLabels()[session.LabelApp] == session.LabelAppValue
	})

	var reconciler reconcile.Reconciler = r
	if tracer != nil {
		reconciler = tracing.NewTracedReconciler(r, tracer)
	}

	return ctrl.NewControllerManagedBy(mgr).
		Named("lab-workload").
		For(&corev1.Pod{}, builder.WithPredicates(labPods)).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: maxConcurrentReconciles,
		}).
		Complete(reconciler)
}
