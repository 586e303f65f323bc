package k8s

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
)

// JobRecorder publishes Kubernetes Events against the Job that owns the
// upgrade pod, so run progress is visible in `kubectl describe job`.
type JobRecorder struct {
	recorder    record.EventRecorder
	broadcaster record.EventBroadcaster
	job         *batchv1.Job
}

// Event reasons recorded during a run.
const (
	ReasonRunStarted        = "UpgradeRunStarted"
	ReasonComponentUpgraded = "ComponentUpgraded"
	ReasonRunSucceeded      = "UpgradeRunSucceeded"
	ReasonRunFailed         = "UpgradeRunFailed"
)

// NewJobRecorder resolves the Job owning podName and wires an event
// recorder bound to it. The pod must have exactly one owner reference
// and that owner must be a Job.
func (c *Client) NewJobRecorder(ctx context.Context, podName string) (*JobRecorder, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod %s in %s: %w", podName, c.namespace, err)
	}

	owners := pod.GetOwnerReferences()
	if len(owners) == 0 {
		return nil, fmt.Errorf("pod %s in %s has no owner references; expected a Job owner", podName, c.namespace)
	}
	if len(owners) > 1 {
		return nil, fmt.Errorf("pod %s in %s has %d owners; expected exactly one Job", podName, c.namespace, len(owners))
	}
	if owners[0].Kind != "Job" {
		return nil, fmt.Errorf("pod %s in %s is owned by a %s, not a Job", podName, c.namespace, owners[0].Kind)
	}

	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, owners[0].Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get owning job %s in %s: %w", owners[0].Name, c.namespace, err)
	}

	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: c.clientset.CoreV1().Events(c.namespace),
	})
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: c.identity})

	return &JobRecorder{recorder: recorder, broadcaster: broadcaster, job: job}, nil
}

// Normal records a Normal event against the owning Job.
func (r *JobRecorder) Normal(reason, messageFormat string, args ...any) {
	r.recorder.Eventf(r.job, corev1.EventTypeNormal, reason, messageFormat, args...)
}

// Warning records a Warning event against the owning Job.
func (r *JobRecorder) Warning(reason, messageFormat string, args ...any) {
	r.recorder.Eventf(r.job, corev1.EventTypeWarning, reason, messageFormat, args...)
}

// Shutdown flushes pending events. Call before process exit.
func (r *JobRecorder) Shutdown() {
	r.broadcaster.Shutdown()
}
