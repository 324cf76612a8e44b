// Package v1 holds the JSON types of the lab session HTTP API.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// LabSessionStatus is the lifecycle status of a session as seen by clients
type LabSessionStatus string

const (
	LabSessionPending    LabSessionStatus = "pending"
	LabSessionRunning    LabSessionStatus = "running"
	LabSessionStopped    LabSessionStatus = "stopped"
	LabSessionFailed     LabSessionStatus = "failed"
	LabSessionTerminated LabSessionStatus = "terminated"
)

// LabSession is a session record as returned to its owner
type LabSession struct {
	ID         string           `json:"id"`
	UserID     string           `json:"userId"`
	TemplateID string           `json:"templateId,omitempty"`
	Status     LabSessionStatus `json:"status"`
	Message    string           `json:"message,omitempty"`

	WorkloadName string `json:"podName"`
	ServiceName  string `json:"serviceName,omitempty"`
	ClaimName    string `json:"pvcName"`
	NodePort     int32  `json:"nodePort,omitempty"`

	// AccessURL is null until the session is running
	AccessURL *string `json:"accessUrl"`

	StartTime        metav1.Time  `json:"startTime"`
	LastAccessTime   metav1.Time  `json:"lastAccessTime"`
	AutoShutdownTime metav1.Time  `json:"autoShutdownTime"`
	EndTime          *metav1.Time `json:"endTime"`
}

// LabTemplate is a startable lab
type LabTemplate struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Category          string            `json:"category"`
	Image             string            `json:"image"`
	Resources         TemplateResources `json:"resources"`
	PreInstalledTools []string          `json:"preInstalledTools,omitempty"`
	DurationMinutes   int               `json:"duration"`
}

type TemplateResources struct {
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
	Storage string `json:"storage"`
}

// StartRequest starts a session. An empty TemplateID selects the default profile.
type StartRequest struct {
	TemplateID string `json:"templateId"`
}

// MessageResponse carries a bare status message
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Details   string `json:"details,omitempty"`
}
