package lifecycle

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"

	"github.com/0019-KDU/online-lab-env/internal/cluster"
	"github.com/0019-KDU/online-lab-env/internal/events"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

// fakeCluster is an in-memory ResourceClient that records every call
type fakeCluster struct {
	mu        sync.Mutex
	calls     []string
	claims    map[string]bool
	pods      map[string]bool
	services  map[string]bool
	ingresses map[string]bool
	failOn    map[string]error
}

var _ cluster.ResourceClient = (*fakeCluster)(nil)

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		claims:    map[string]bool{},
		pods:      map[string]bool{},
		services:  map[string]bool{},
		ingresses: map[string]bool{},
		failOn:    map[string]error{},
	}
}

func (f *fakeCluster) record(op string) error {
	f.calls = append(f.calls, op)
	return f.failOn[op]
}

func (f *fakeCluster) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCluster) count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeCluster) has(kind map[string]bool, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kind[name]
}

func (f *fakeCluster) setFailure(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op] = err
}

func (f *fakeCluster) Namespace() string { return "labs" }

func (f *fakeCluster) create(op string, set map[string]bool, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op); err != nil {
		return err
	}
	if set[name] {
		return laberrors.NewError(laberrors.ErrorTypeAlreadyExists, "exists").WithObject(name).Build()
	}
	set[name] = true
	return nil
}

func (f *fakeCluster) delete(op string, set map[string]bool, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op); err != nil {
		return err
	}
	delete(set, name)
	return nil
}

func (f *fakeCluster) EnsureClaim(_ context.Context, pvc *corev1.PersistentVolumeClaim) error {
	err := f.create("EnsureClaim", f.claims, pvc.Name)
	if laberrors.IsType(err, laberrors.ErrorTypeAlreadyExists) {
		return nil
	}
	return err
}

func (f *fakeCluster) GetClaim(_ context.Context, name string) (*corev1.PersistentVolumeClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetClaim"); err != nil {
		return nil, err
	}
	if !f.claims[name] {
		return nil, laberrors.NewNotFoundError(name)
	}
	pvc := &corev1.PersistentVolumeClaim{}
	pvc.Name = name
	return pvc, nil
}

func (f *fakeCluster) CreateWorkload(_ context.Context, pod *corev1.Pod) error {
	return f.create("CreateWorkload", f.pods, pod.Name)
}

func (f *fakeCluster) GetWorkload(_ context.Context, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetWorkload"); err != nil {
		return nil, err
	}
	if !f.pods[name] {
		return nil, laberrors.NewNotFoundError(name)
	}
	pod := &corev1.Pod{}
	pod.Name = name
	return pod, nil
}

func (f *fakeCluster) DeleteWorkload(_ context.Context, name string) error {
	return f.delete("DeleteWorkload", f.pods, name)
}

func (f *fakeCluster) CreateService(_ context.Context, svc *corev1.Service) error {
	return f.create("CreateService", f.services, svc.Name)
}

func (f *fakeCluster) GetService(_ context.Context, name string) (*corev1.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetService"); err != nil {
		return nil, err
	}
	if !f.services[name] {
		return nil, laberrors.NewNotFoundError(name)
	}
	svc := &corev1.Service{}
	svc.Name = name
	return svc, nil
}

func (f *fakeCluster) ListServices(context.Context, map[string]string) ([]corev1.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.record("ListServices")
}

func (f *fakeCluster) DeleteService(_ context.Context, name string) error {
	return f.delete("DeleteService", f.services, name)
}

func (f *fakeCluster) CreateIngress(_ context.Context, ing *networkingv1.Ingress) error {
	return f.create("CreateIngress", f.ingresses, ing.Name)
}

func (f *fakeCluster) DeleteIngress(_ context.Context, name string) error {
	return f.delete("DeleteIngress", f.ingresses, name)
}

func (f *fakeCluster) ListNodes(context.Context) ([]corev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.record("ListNodes")
}

// fakeProber reports ready after delay, or err, or blocks until ctx is done
type fakeProber struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	block bool
	calls int
}

func (p *fakeProber) WaitUntilReady(ctx context.Context, workload string, timeout time.Duration) error {
	p.mu.Lock()
	p.calls++
	err, delay, block := p.err, p.delay, p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return laberrors.NewCancelledError("wait-ready", ctx.Err())
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return laberrors.NewCancelledError("wait-ready", ctx.Err())
		}
	}
	return err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
