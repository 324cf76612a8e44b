package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/0019-KDU/online-lab-env/pkg/circuitbreaker"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
	"github.com/0019-KDU/online-lab-env/pkg/logging"
)

// ResourceClient is the cluster capability handed to the lifecycle manager
// and exposure strategies. All calls are scoped to one namespace.
//
// Create calls report an existing object as ErrorTypeAlreadyExists, except
// EnsureClaim which treats it as success. Delete calls treat a missing object
// as success.
type ResourceClient interface {
	Namespace() string

	EnsureClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error
	GetClaim(ctx context.Context, name string) (*corev1.PersistentVolumeClaim, error)

	CreateWorkload(ctx context.Context, pod *corev1.Pod) error
	GetWorkload(ctx context.Context, name string) (*corev1.Pod, error)
	DeleteWorkload(ctx context.Context, name string) error

	CreateService(ctx context.Context, svc *corev1.Service) error
	GetService(ctx context.Context, name string) (*corev1.Service, error)
	ListServices(ctx context.Context, selector map[string]string) ([]corev1.Service, error)
	DeleteService(ctx context.Context, name string) error

	CreateIngress(ctx context.Context, ing *networkingv1.Ingress) error
	DeleteIngress(ctx context.Context, name string) error

	ListNodes(ctx context.Context) ([]corev1.Node, error)
}

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups="",resources=services,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims,verbs=get;create
// +kubebuilder:rbac:groups="",resources=nodes,verbs=list
// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=create;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Client implements ResourceClient on controller-runtime clients
type Client struct {
	writer    client.Client
	reader    client.Reader
	namespace string
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logging.Logger
}

var _ ResourceClient = (*Client)(nil)

// NewClient builds a Client. reader should be uncached (the manager's API
// reader) so freshly created objects are visible immediately.
func NewClient(writer client.Client, reader client.Reader, namespace string, breaker *circuitbreaker.CircuitBreaker) *Client {
	if reader == nil {
		reader = writer
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &Client{
		writer:    writer,
		reader:    reader,
		namespace: namespace,
		breaker:   breaker,
		logger:    logging.ClusterLogger,
	}
}

// NewBreaker returns a breaker tuned for the cluster API. Not-found,
// already-exists and cancellation outcomes do not count as failures.
func NewBreaker(maxFailures uint32, openTimeout time.Duration) *circuitbreaker.CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Name:    "cluster-api",
		Timeout: openTimeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				apierrors.IsNotFound(err) ||
				apierrors.IsAlreadyExists(err) ||
				errors.Is(err, context.Canceled)
		},
	})
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) call(ctx context.Context, operation, object string, fn func(context.Context) error) error {
	err := c.breaker.ExecuteWithContext(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return laberrors.NewClusterError(operation, object, err)
	}
	return laberrors.ClassifyKubernetesError(err, operation, object)
}

func (c *Client) key(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: c.namespace, Name: name}
}

func (c *Client) create(ctx context.Context, kind string, obj client.Object) error {
	obj.SetNamespace(c.namespace)
	object := fmt.Sprintf("%s/%s", kind, obj.GetName())
	return c.call(ctx, "create", object, func(ctx context.Context) error {
		return c.writer.Create(ctx, obj)
	})
}

func (c *Client) delete(ctx context.Context, kind string, obj client.Object) error {
	obj.SetNamespace(c.namespace)
	object := fmt.Sprintf("%s/%s", kind, obj.GetName())
	err := c.call(ctx, "delete", object, func(ctx context.Context) error {
		return c.writer.Delete(ctx, obj, client.PropagationPolicy("Background"))
	})
	if laberrors.IsType(err, laberrors.ErrorTypeNotFound) {
		return nil
	}
	if err == nil {
		c.logger.Debug("deleted object", logging.Fields{"object": object, "namespace": c.namespace})
	}
	return err
}

func (c *Client) get(ctx context.Context, kind, name string, obj client.Object) error {
	return c.call(ctx, "get", kind+"/"+name, func(ctx context.Context) error {
		return c.reader.Get(ctx, c.key(name), obj)
	})
}

func (c *Client) EnsureClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	err := c.create(ctx, "persistentvolumeclaim", pvc)
	if laberrors.IsType(err, laberrors.ErrorTypeAlreadyExists) {
		return nil
	}
	return err
}

func (c *Client) GetClaim(ctx context.Context, name string) (*corev1.PersistentVolumeClaim, error) {
	pvc := &corev1.PersistentVolumeClaim{}
	if err := c.get(ctx, "persistentvolumeclaim", name, pvc); err != nil {
		return nil, err
	}
	return pvc, nil
}

func (c *Client) CreateWorkload(ctx context.Context, pod *corev1.Pod) error {
	return c.create(ctx, "pod", pod)
}

func (c *Client) GetWorkload(ctx context.Context, name string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if err := c.get(ctx, "pod", name, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

func (c *Client) DeleteWorkload(ctx context.Context, name string) error {
	pod := &corev1.Pod{}
	pod.Name = name
	return c.delete(ctx, "pod", pod)
}

func (c *Client) CreateService(ctx context.Context, svc *corev1.Service) error {
	return c.create(ctx, "service", svc)
}

func (c *Client) GetService(ctx context.Context, name string) (*corev1.Service, error) {
	svc := &corev1.Service{}
	if err := c.get(ctx, "service", name, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

func (c *Client) ListServices(ctx context.Context, selector map[string]string) ([]corev1.Service, error) {
	list := &corev1.ServiceList{}
	err := c.call(ctx, "list", "services", func(ctx context.Context) error {
		return c.reader.List(ctx, list, client.InNamespace(c.namespace), client.MatchingLabels(selector))
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) DeleteService(ctx context.Context, name string) error {
	svc := &corev1.Service{}
	svc.Name = name
	return c.delete(ctx, "service", svc)
}

func (c *Client) CreateIngress(ctx context.Context, ing *networkingv1.Ingress) error {
	return c.create(ctx, "ingress", ing)
}

func (c *Client) DeleteIngress(ctx context.Context, name string) error {
	ing := &networkingv1.Ingress{}
	ing.Name = name
	return c.delete(ctx, "ingress", ing)
}

func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	list := &corev1.NodeList{}
	err := c.call(ctx, "list", "nodes", func(ctx context.Context) error {
		return c.reader.List(ctx, list)
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}
