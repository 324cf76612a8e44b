package session

import (
	"time"
)

// Status is the lifecycle status of a lab session
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// ActiveStatuses are the statuses that count against a user's concurrency limit
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// TerminalStatuses are the statuses a session never leaves
var TerminalStatuses = []Status{StatusStopped, StatusFailed, StatusTerminated}

// Terminal reports whether s is an end state
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// Active reports whether s counts against the concurrency limit
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Profile is the resource profile a session is deployed with
type Profile struct {
	TemplateID   string
	Image        string
	CPU          string
	Memory       string
	Storage      string
	StorageClass string
	Duration     time.Duration
}

// LabSession is a single user's lab session record.
//
// Values are snapshots: the transition methods return a modified copy and never
// touch the receiver. Persisting a snapshot is the store's job.
type LabSession struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	UserID     string `gorm:"type:varchar(128);not null;index:idx_lab_sessions_user_status,priority:1"`
	TemplateID string `gorm:"type:varchar(128)"`

	WorkloadName string `gorm:"type:varchar(253);not null;uniqueIndex"`
	Namespace    string `gorm:"type:varchar(63);not null"`
	ServiceName  string `gorm:"type:varchar(63)"`
	IngressName  string `gorm:"type:varchar(253)"`
	ClaimName    string `gorm:"type:varchar(253);not null"`
	NodePort     int32

	Status  Status `gorm:"type:varchar(16);not null;index:idx_lab_sessions_user_status,priority:2"`
	Message string `gorm:"type:text"`

	StartTime        time.Time  `gorm:"not null"`
	EndTime          *time.Time `gorm:"index"`
	LastAccessTime   time.Time  `gorm:"not null"`
	AutoShutdownTime time.Time  `gorm:"not null;index"`

	AccessURL string `gorm:"type:text"`

	Image  string `gorm:"type:text;not null"`
	CPU    string `gorm:"type:varchar(32);not null"`
	Memory string `gorm:"type:varchar(32);not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name
func (LabSession) TableName() string {
	return "lab_sessions"
}

// New builds the pending record for a fresh session. The store assigns the ID.
func New(userID, namespace string, profile Profile, routed bool, now time.Time) LabSession {
	workload := WorkloadName(userID, now)
	s := LabSession{
		UserID:           userID,
		TemplateID:       profile.TemplateID,
		WorkloadName:     workload,
		Namespace:        namespace,
		ServiceName:      ServiceName(workload),
		ClaimName:        ClaimName(userID),
		Status:           StatusPending,
		Message:          "deploying",
		StartTime:        now,
		LastAccessTime:   now,
		AutoShutdownTime: now.Add(profile.Duration),
		Image:            profile.Image,
		CPU:              profile.CPU,
		Memory:           profile.Memory,
	}
	if routed {
		s.IngressName = IngressName(workload)
	}
	return s
}

// WithNodePort records the node port assigned by the exposure strategy
func (s LabSession) WithNodePort(port int32, now time.Time) LabSession {
	s.NodePort = port
	s.UpdatedAt = now
	return s
}

// Running marks the session reachable at url
func (s LabSession) Running(url string, now time.Time) LabSession {
	s.Status = StatusRunning
	s.AccessURL = url
	s.Message = "ready"
	s.LastAccessTime = now
	s.UpdatedAt = now
	return s
}

// Touched records user activity
func (s LabSession) Touched(now time.Time) LabSession {
	s.LastAccessTime = now
	s.UpdatedAt = now
	return s
}

// Failed marks a deployment failure
func (s LabSession) Failed(reason string, now time.Time) LabSession {
	return s.end(StatusFailed, reason, now)
}

// Stopped marks a user-requested stop
func (s LabSession) Stopped(now time.Time) LabSession {
	return s.end(StatusStopped, "stopped by user", now)
}

// Terminated marks a system-initiated end (expiry or unrecoverable workload)
func (s LabSession) Terminated(reason string, now time.Time) LabSession {
	return s.end(StatusTerminated, reason, now)
}

func (s LabSession) end(status Status, reason string, now time.Time) LabSession {
	end := now
	s.Status = status
	s.Message = reason
	s.EndTime = &end
	s.AccessURL = ""
	s.UpdatedAt = now
	return s
}

// Expired reports whether a running session is past its shutdown deadline
func (s LabSession) Expired(now time.Time) bool {
	return s.Status == StatusRunning && s.AutoShutdownTime.Before(now)
}
