package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/0019-KDU/online-lab-env/internal/session"
)

func TestBuildPod(t *testing.T) {
	s := testSession()
	pod, err := NewResourceBuilder(testNamespace).BuildPod(s)
	require.NoError(t, err)

	assert.Equal(t, s.WorkloadName, pod.Name)
	assert.Equal(t, testNamespace, pod.Namespace)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, session.LabelAppValue, pod.Labels[session.LabelApp])
	assert.Equal(t, s.ID, pod.Labels[session.LabelSession])

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, s.Image, c.Image)
	assert.True(t, c.Resources.Requests.Cpu().Equal(*c.Resources.Limits.Cpu()))
	assert.True(t, c.Resources.Requests.Memory().Equal(*c.Resources.Limits.Memory()))
	assert.Equal(t, "2Gi", c.Resources.Limits.Memory().String())

	var claim string
	for _, v := range pod.Spec.Volumes {
		if v.PersistentVolumeClaim != nil {
			claim = v.PersistentVolumeClaim.ClaimName
		}
	}
	assert.Equal(t, s.ClaimName, claim)
}

func TestBuildPodRejectsBadQuantity(t *testing.T) {
	s := testSession()
	s.Memory = "two gigs"
	_, err := NewResourceBuilder(testNamespace).BuildPod(s)
	assert.Error(t, err)
}

func TestBuildService(t *testing.T) {
	s := testSession()
	rb := NewResourceBuilder(testNamespace)

	svc := rb.BuildService(s, corev1.ServiceTypeNodePort, 31234)
	assert.Equal(t, s.ServiceName, svc.Name)
	assert.Equal(t, session.Selector(s), svc.Spec.Selector)
	require.Len(t, svc.Spec.Ports, 1)
	assert.Equal(t, int32(31234), svc.Spec.Ports[0].NodePort)
	assert.Equal(t, WebPort, svc.Spec.Ports[0].Port)

	lb := rb.BuildService(s, corev1.ServiceTypeLoadBalancer, 31234)
	assert.Zero(t, lb.Spec.Ports[0].NodePort)
}

func TestBuildIngress(t *testing.T) {
	s := testSession()
	ing := NewResourceBuilder(testNamespace).BuildIngress(s, IngressOptions{
		Host:        "labs.example.com",
		Path:        "/lab/" + s.ID,
		ClassName:   "nginx",
		TLSSecret:   "labs-tls",
		Annotations: map[string]string{"nginx.ingress.kubernetes.io/proxy-read-timeout": "3600"},
	})

	assert.Equal(t, s.IngressName, ing.Name)
	require.Len(t, ing.Spec.Rules, 1)
	path := ing.Spec.Rules[0].HTTP.Paths[0]
	assert.Equal(t, "/lab/"+s.ID, path.Path)
	assert.Equal(t, s.ServiceName, path.Backend.Service.Name)
	assert.Equal(t, "nginx", *ing.Spec.IngressClassName)
	require.Len(t, ing.Spec.TLS, 1)
	assert.Equal(t, "3600", ing.Annotations["nginx.ingress.kubernetes.io/proxy-read-timeout"])
}

func TestBuildClaim(t *testing.T) {
	s := testSession()
	pvc, err := NewResourceBuilder(testNamespace).BuildClaim(s, "10Gi", "fast")
	require.NoError(t, err)

	assert.Equal(t, s.ClaimName, pvc.Name)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, pvc.Spec.AccessModes)
	assert.Equal(t, "fast", *pvc.Spec.StorageClassName)
	assert.Equal(t, "10Gi", pvc.Spec.Resources.Requests.Storage().String())
}
