package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestIsMatchesByType(t *testing.T) {
	err := NewCapacityExceededError("u1", 1)
	wrapped := fmt.Errorf("start session: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrCapacityExceeded))
	assert.False(t, stderrors.Is(wrapped, ErrNotFound))
	assert.Equal(t, ErrorTypeCapacityExceeded, TypeOf(wrapped))
	assert.Equal(t, "u1", err.UserID)
}

func TestDeploymentTimeoutNamesWorkload(t *testing.T) {
	err := NewDeploymentTimeoutError("lab-u1-abc", 90*time.Second, context.DeadlineExceeded)

	assert.Contains(t, err.Error(), "lab-u1-abc")
	assert.Contains(t, err.Error(), "1m30s")
	assert.True(t, stderrors.Is(err, ErrDeploymentTimeout))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestClassifyKubernetesError(t *testing.T) {
	gr := schema.GroupResource{Resource: "pods"}

	cases := []struct {
		name      string
		err       error
		want      ErrorType
		retryable bool
	}{
		{"not found", apierrors.NewNotFound(gr, "p"), ErrorTypeNotFound, false},
		{"already exists", apierrors.NewAlreadyExists(gr, "p"), ErrorTypeAlreadyExists, false},
		{"conflict", apierrors.NewConflict(gr, "p", stderrors.New("x")), ErrorTypeCluster, true},
		{"throttled", apierrors.NewTooManyRequests("slow down", 1), ErrorTypeCluster, true},
		{"invalid", apierrors.NewBadRequest("bad"), ErrorTypeCluster, false},
		{"cancelled", context.Canceled, ErrorTypeCancelled, false},
		{"unknown", stderrors.New("connection refused"), ErrorTypeCluster, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyKubernetesError(tc.err, "create", "pod/p")
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Type)
			assert.Equal(t, tc.retryable, got.IsRetryable())
			assert.True(t, stderrors.Is(got, tc.err))
		})
	}

	assert.Nil(t, ClassifyKubernetesError(nil, "create", "pod/p"))
}

func TestClassifyKeepsLabSessionError(t *testing.T) {
	orig := NewInvalidError("unknown template", "templateId")
	got := ClassifyKubernetesError(fmt.Errorf("wrap: %w", orig), "start", "")
	assert.Same(t, orig, got)
}

func TestReconcileResult(t *testing.T) {
	res, err := ReconcileResult(nil)
	require.NoError(t, err)
	assert.True(t, res.IsZero())

	res, err = ReconcileResult(apierrors.NewConflict(corev1.Resource("pods"), "p", stderrors.New("x")))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, res.RequeueAfter)

	_, err = ReconcileResult(NewInvalidError("bad", "f"))
	require.Error(t, err)
}
