package k8s

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ReplicaCounts returns how many pods matching the selector are Ready
// and how many exist in total.
func (c *Client) ReplicaCounts(ctx context.Context, namespace, labelSelector string) (int, int, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pods with selector %q in %s: %w", labelSelector, namespace, err)
	}
	ready := 0
	for i := range pods.Items {
		if isPodReady(&pods.Items[i]) {
			ready++
		}
	}
	return ready, len(pods.Items), nil
}

// ListPods returns all pods matching the selector.
func (c *Client) ListPods(ctx context.Context, labelSelector string) ([]corev1.Pod, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods with selector %q in %s: %w", labelSelector, c.namespace, err)
	}
	return pods.Items, nil
}

// DeletePod deletes one pod by name.
func (c *Client) DeletePod(ctx context.Context, name string) error {
	if err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("failed to delete pod %s in %s: %w", name, c.namespace, err)
	}
	return nil
}

// WaitForPodReadyOnNode polls until a Ready pod matching the selector is
// scheduled on the given node.
func (c *Client) WaitForPodReadyOnNode(ctx context.Context, labelSelector, nodeName string, interval, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		if err != nil {
			return false, nil
		}
		for i := range pods.Items {
			if pods.Items[i].Spec.NodeName == nodeName && isPodReady(&pods.Items[i]) {
				return true, nil
			}
		}
		return false, nil
	})
}

// AllPodsReady reports whether every pod matching the selector is Ready.
// The name of the first pod that is not Ready is returned for logging.
func (c *Client) AllPodsReady(ctx context.Context, labelSelector string) (bool, string, error) {
	pods, err := c.ListPods(ctx, labelSelector)
	if err != nil {
		return false, "", err
	}
	for i := range pods {
		if !isPodReady(&pods[i]) {
			return false, pods[i].Name, nil
		}
	}
	return true, "", nil
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
