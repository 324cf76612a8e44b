package cluster

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/0019-KDU/online-lab-env/internal/session"
)

const (
	// DesktopContainer is the name of the lab desktop container
	DesktopContainer = "ubuntu-desktop"
	// WebPort serves the browser (noVNC) desktop
	WebPort int32 = 6080
	// VNCPort serves raw VNC inside the pod
	VNCPort int32 = 5901

	workspaceVolume = "student-workspace"
	workspaceMount  = "/home/student"
)

// ResourceBuilder builds Kubernetes manifests for lab sessions
type ResourceBuilder struct {
	namespace string
}

// NewResourceBuilder creates a builder for namespace
func NewResourceBuilder(namespace string) *ResourceBuilder {
	return &ResourceBuilder{namespace: namespace}
}

// IngressOptions parameterizes the path-routed ingress
type IngressOptions struct {
	Host        string
	Path        string
	ClassName   string
	TLSSecret   string
	Annotations map[string]string
}

// BuildPod creates the desktop pod for a session, bound to the user's claim
func (rb *ResourceBuilder) BuildPod(s session.LabSession) (*corev1.Pod, error) {
	resources, err := fixedResources(s.CPU, s.Memory)
	if err != nil {
		return nil, err
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.WorkloadName,
			Namespace: rb.namespace,
			Labels:    session.Labels(s),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: boolPtr(false),
			Containers: []corev1.Container{
				rb.buildDesktopContainer(s, resources),
			},
			Volumes: []corev1.Volume{
				{
					Name: workspaceVolume,
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: s.ClaimName,
						},
					},
				},
				{
					Name: "dshm",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory},
					},
				},
			},
		},
	}

	return pod, nil
}

func (rb *ResourceBuilder) buildDesktopContainer(s session.LabSession, resources corev1.ResourceRequirements) corev1.Container {
	return corev1.Container{
		Name:  DesktopContainer,
		Image: s.Image,
		Ports: []corev1.ContainerPort{
			{ContainerPort: VNCPort, Name: "vnc"},
			{ContainerPort: WebPort, Name: "novnc"},
		},
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
		Resources: resources,
		Env: []corev1.EnvVar{
			{Name: "STUDENT_ID", Value: s.UserID},
			{Name: "SESSION_ID", Value: s.ID},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromInt32(WebPort),
				},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       3,
			TimeoutSeconds:      2,
			FailureThreshold:    3,
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromInt32(VNCPort),
				},
			},
			InitialDelaySeconds: 30,
			PeriodSeconds:       10,
			TimeoutSeconds:      5,
			FailureThreshold:    3,
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: workspaceVolume, MountPath: workspaceMount},
			{Name: "dshm", MountPath: "/dev/shm"},
		},
	}
}

// BuildService exposes the desktop web port. nodePort is only honored for
// NodePort services; zero lets the API server choose.
func (rb *ResourceBuilder) BuildService(s session.LabSession, serviceType corev1.ServiceType, nodePort int32) *corev1.Service {
	port := corev1.ServicePort{
		Name:       "novnc",
		Port:       WebPort,
		TargetPort: intstr.FromInt32(WebPort),
		Protocol:   corev1.ProtocolTCP,
	}
	if serviceType == corev1.ServiceTypeNodePort {
		port.NodePort = nodePort
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.ServiceName,
			Namespace: rb.namespace,
			Labels:    session.Labels(s),
		},
		Spec: corev1.ServiceSpec{
			Type:     serviceType,
			Selector: session.Selector(s),
			Ports:    []corev1.ServicePort{port},
		},
	}
}

// BuildIngress routes opts.Path on opts.Host to the session service
func (rb *ResourceBuilder) BuildIngress(s session.LabSession, opts IngressOptions) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	annotations := make(map[string]string, len(opts.Annotations))
	for k, v := range opts.Annotations {
		annotations[k] = v
	}

	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        s.IngressName,
			Namespace:   rb.namespace,
			Labels:      session.Labels(s),
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: opts.Host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     opts.Path,
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: s.ServiceName,
											Port: networkingv1.ServiceBackendPort{Number: WebPort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if opts.ClassName != "" {
		ing.Spec.IngressClassName = stringPtr(opts.ClassName)
	}
	if opts.TLSSecret != "" {
		ing.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{opts.Host}, SecretName: opts.TLSSecret}}
	}
	return ing
}

// BuildClaim creates the per-user workspace claim
func (rb *ResourceBuilder) BuildClaim(s session.LabSession, storage, storageClass string) (*corev1.PersistentVolumeClaim, error) {
	size, err := resource.ParseQuantity(storage)
	if err != nil {
		return nil, fmt.Errorf("invalid storage quantity %q: %w", storage, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.ClaimName,
			Namespace: rb.namespace,
			Labels: map[string]string{
				session.LabelApp:  session.LabelAppValue,
				session.LabelUser: session.UserSegment(s.UserID),
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: size,
				},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = stringPtr(storageClass)
	}
	return pvc, nil
}

// fixedResources sets requests equal to limits so sessions get guaranteed QoS
func fixedResources(cpu, memory string) (corev1.ResourceRequirements, error) {
	cpuQ, err := resource.ParseQuantity(cpu)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("invalid cpu quantity %q: %w", cpu, err)
	}
	memQ, err := resource.ParseQuantity(memory)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("invalid memory quantity %q: %w", memory, err)
	}

	list := corev1.ResourceList{
		corev1.ResourceCPU:    cpuQ,
		corev1.ResourceMemory: memQ,
	}
	return corev1.ResourceRequirements{
		Limits:   list,
		Requests: list.DeepCopy(),
	}, nil
}

func boolPtr(b bool) *bool {
	return &b
}

func stringPtr(s string) *string {
	return &s
}
