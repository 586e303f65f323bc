package k8s

import (
	"context"
	"errors"
	"fmt"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// ErrRunInProgress is returned when the run lease is already held by a
// live orchestration run against the same cluster.
var ErrRunInProgress = errors.New("another upgrade run is already in progress")

// RunLease is a cluster-scoped marker held for the duration of one
// orchestration run. The orchestrator is a short-lived job that may be
// reinvoked, so the marker lives in the API server rather than in
// process state. A lease whose renew time has lapsed is treated as
// abandoned and taken over.
type RunLease struct {
	client   *Client
	name     string
	duration time.Duration
}

// NewRunLease names the lease held during an upgrade run.
func NewRunLease(client *Client, name string, duration time.Duration) *RunLease {
	return &RunLease{client: client, name: name, duration: duration}
}

// Acquire takes the lease or fails with ErrRunInProgress when it is
// held by another live run.
func (l *RunLease) Acquire(ctx context.Context) error {
	leases := l.client.clientset.CoordinationV1().Leases(l.client.namespace)
	now := metav1.NewMicroTime(time.Now())

	desired := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      l.name,
			Namespace: l.client.namespace,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(l.client.identity),
			LeaseDurationSeconds: ptr.To(int32(l.duration.Seconds())),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}

	_, err := leases.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create run lease %s: %w", l.name, err)
	}

	existing, err := leases.Get(ctx, l.name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read run lease %s: %w", l.name, err)
	}
	if !l.expired(existing) && holder(existing) != l.client.identity {
		return fmt.Errorf("%w: lease %s held by %s", ErrRunInProgress, l.name, holder(existing))
	}

	// Abandoned by a crashed job, or a leftover of our own: take over.
	existing.Spec = desired.Spec
	if _, err := leases.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to take over run lease %s: %w", l.name, err)
	}
	return nil
}

// Renew pushes the lease renew time forward so a live run never looks
// abandoned, however long a single phase blocks. Fails with
// ErrRunInProgress when the lease has been taken over by another
// holder.
func (l *RunLease) Renew(ctx context.Context) error {
	leases := l.client.clientset.CoordinationV1().Leases(l.client.namespace)
	existing, err := leases.Get(ctx, l.name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read run lease %s: %w", l.name, err)
	}
	if holder(existing) != l.client.identity {
		return fmt.Errorf("%w: lease %s stolen by %s", ErrRunInProgress, l.name, holder(existing))
	}
	now := metav1.NewMicroTime(time.Now())
	existing.Spec.RenewTime = &now
	if _, err := leases.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to renew run lease %s: %w", l.name, err)
	}
	return nil
}

// Release deletes the lease. Failures are returned so the caller can
// log them, but a leaked lease only delays the next run by its
// duration.
func (l *RunLease) Release(ctx context.Context) error {
	leases := l.client.clientset.CoordinationV1().Leases(l.client.namespace)
	existing, err := leases.Get(ctx, l.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read run lease %s: %w", l.name, err)
	}
	if holder(existing) != l.client.identity {
		return nil
	}
	if err := leases.Delete(ctx, l.name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete run lease %s: %w", l.name, err)
	}
	return nil
}

func (l *RunLease) expired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	expiry := lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
	return time.Now().After(expiry)
}

func holder(lease *coordinationv1.Lease) string {
	if lease.Spec.HolderIdentity == nil {
		return ""
	}
	return *lease.Spec.HolderIdentity
}
