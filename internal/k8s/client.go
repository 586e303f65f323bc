// Package k8s wraps the Kubernetes API operations the upgrade job
// needs: pod readiness reads, the cluster-scoped run lease, and event
// recording against the owning Job.
package k8s

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps a Kubernetes clientset scoped to one namespace.
type Client struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	namespace  string
	identity   string
}

// NewClient builds a client from a kubeconfig path, falling back to the
// in-cluster service account when the path is empty. identity names the
// lease holder and event reporter; it defaults to the pod hostname.
func NewClient(kubeconfigPath, namespace, identity string) (*Client, error) {
	config, err := buildRESTConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	client := newClient(clientset, namespace, identity)
	client.restConfig = config
	return client, nil
}

// NewClientWithInterface wires an existing clientset; used by tests with
// the fake clientset.
func NewClientWithInterface(clientset kubernetes.Interface, namespace, identity string) *Client {
	return newClient(clientset, namespace, identity)
}

func newClient(clientset kubernetes.Interface, namespace, identity string) *Client {
	if identity == "" {
		if hostname, err := os.Hostname(); err == nil {
			identity = hostname
		} else {
			identity = "vastor-upgrade"
		}
	}
	return &Client{clientset: clientset, namespace: namespace, identity: identity}
}

// Namespace returns the namespace the client operates in.
func (c *Client) Namespace() string {
	return c.namespace
}

// RESTConfig returns the config the clientset was built from. It is nil
// when the client was constructed over an injected interface.
func (c *Client) RESTConfig() *rest.Config {
	return c.restConfig
}

func buildRESTConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
		return config, nil
	}
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig from %s: %w", kubeconfigPath, err)
	}
	return config, nil
}
