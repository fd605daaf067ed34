package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
)

// Exec runs a bounded command inside a pod's container and returns its
// stdout; any stderr output is returned as an error alongside stdout. Used
// by the snapshot capture step (§ content listing) and disk inspection
// tooling. It never allocates a TTY.
func (c *Client) Exec(ctx context.Context, podName, container string, command []string) (string, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(c.namespace).
		SubResource("exec")

	req.VersionedParams(&corev1.PodExecOptions{
		Container: container,
		Command:   command,
		Stdout:    true,
		Stderr:    true,
		Stdin:     false,
		TTY:       false,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restCfg, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("building exec stream: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return "", wrapK8s("exec", err)
	}
	if stderr.Len() > 0 {
		return stdout.String(), fmt.Errorf("exec stderr: %s", stderr.String())
	}
	return stdout.String(), nil
}

// contentListingCommand caps the tree listing to ~1000 entries, matching
// the bounded du+tree capture from §4.9.
var contentListingCommand = []string{
	"sh", "-c",
	"du -sh /mnt/disk 2>/dev/null; find /mnt/disk -maxdepth 4 2>/dev/null | head -1000",
}

// CaptureContentListing runs the bounded disk-content listing command
// inside a reservation's workload container (§4.9 content capture),
// invoked from teardown before the workload is deleted.
func (c *Client) CaptureContentListing(ctx context.Context, reservationID string) (string, error) {
	return c.Exec(ctx, reservationPodName(reservationID), "workload", contentListingCommand)
}

// PortForwardURL returns the API server URL of a pod's portforward
// subresource in the control namespace. It only builds the URL; it opens no
// connection and drives no stream.
func (c *Client) PortForwardURL(podName string) (resource string) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(c.namespace).
		Name(podName).
		SubResource("portforward")
	return req.URL().String()
}
