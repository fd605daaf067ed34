// Package orchestrator wraps the Kubernetes workload API surface the
// control plane needs (C2): node/capacity inventory, per-message worker Job
// spawning, and interactive exec/port-forward for notebook access.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gpudevservers/resctl/internal/coreerr"
)

// Client wraps a Kubernetes clientset with the narrow operation set the
// reservation lifecycle needs.
type Client struct {
	clientset kubernetes.Interface
	restCfg   *rest.Config
	namespace string
}

// Config holds the worker Job template parameters, analogous to JobManager's
// constructor environment in the original processor.
type Config struct {
	Namespace        string
	WorkerImage      string
	ServiceAccount   string
	ImagePullPolicy  string
	PassthroughEnv   []string // additional env var names copied verbatim from this process
}

// NewClient builds a Client from an explicit kubeconfig path, falling back
// to in-cluster config when kubeconfigPath is empty.
func NewClient(kubeconfigPath, namespace string) (*Client, error) {
	restCfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("building kube rest config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building kube clientset: %w", err)
	}

	return &Client{clientset: cs, restCfg: restCfg, namespace: namespace}, nil
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		cfg, err := rest.InClusterConfig()
		if err == nil {
			return cfg, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// Node is the neutral record used by the availability aggregator (C6).
type Node struct {
	Name          string
	Allocatable   corev1.ResourceList
	Labels        map[string]string
	GPUType       string
	GPUCapacity   int64
	Unschedulable bool
}

// ListNodes returns every node carrying a gpu-type label, used to compute
// per-type cluster capacity.
func (c *Client) ListNodes(ctx context.Context, gpuTypeLabel string) ([]Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrapK8s("list_nodes", err)
	}

	nodes := make([]Node, 0, len(list.Items))
	for _, n := range list.Items {
		gpuQty := n.Status.Allocatable["nvidia.com/gpu"]
		nodes = append(nodes, Node{
			Name:          n.Name,
			Allocatable:   n.Status.Allocatable,
			Labels:        n.Labels,
			GPUType:       n.Labels[gpuTypeLabel],
			GPUCapacity:   gpuQty.Value(),
			Unschedulable: n.Spec.Unschedulable,
		})
	}
	return nodes, nil
}

// ListPods returns pods in any phase in the control namespace matching a
// label selector, used by the queue poller to recover in-flight worker Jobs
// after a restart.
func (c *Client) ListPods(ctx context.Context, labelSelector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, wrapK8s("list_pods", err)
	}
	return list.Items, nil
}

// ListPodsByNode returns every Running or Pending pod (cluster-wide, not
// scoped to the control namespace) bound to the given node, used by the
// availability aggregator (§4.5 step 3) to subtract in-use GPU requests
// from a node's allocatable capacity.
func (c *Client) ListPodsByNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, wrapK8s("list_pods_by_node", err)
	}

	out := make([]corev1.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		if p.Status.Phase == corev1.PodRunning || p.Status.Phase == corev1.PodPending {
			out = append(out, p)
		}
	}
	return out, nil
}

// PodGPURequest sums the nvidia.com/gpu requests across a pod's containers.
func PodGPURequest(p corev1.Pod) int64 {
	var total int64
	for _, ctr := range p.Spec.Containers {
		if q, ok := ctr.Resources.Requests["nvidia.com/gpu"]; ok {
			total += q.Value()
		}
	}
	return total
}

// CreateWorkerJob spawns a Job named reservation-worker-<msgID> carrying the
// message body as an env var, mirroring the original JobManager.create_job.
func (c *Client) CreateWorkerJob(ctx context.Context, cfg Config, msgID int64, messageBody any) (string, error) {
	jobName := fmt.Sprintf("reservation-worker-%d", msgID)

	bodyJSON, err := json.Marshal(messageBody)
	if err != nil {
		return "", fmt.Errorf("marshaling worker message body: %w", err)
	}

	backoffLimit := int32(0)
	activeDeadline := int64(900)
	ttlAfterFinished := int32(3600)

	env := []corev1.EnvVar{{Name: "MESSAGE_BODY", Value: string(bodyJSON)}}
	for _, name := range cfg.PassthroughEnv {
		if v, ok := lookupEnv(name); ok {
			env = append(env, corev1.EnvVar{Name: name, Value: v})
		}
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				"app":       "reservation-worker",
				"msg_id":    fmt.Sprintf("%d", msgID),
				"component": "worker",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   &activeDeadline,
			TTLSecondsAfterFinished: &ttlAfterFinished,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "reservation-worker", "msg_id": fmt.Sprintf("%d", msgID)},
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: cfg.ServiceAccount,
					RestartPolicy:      corev1.RestartPolicyNever,
					NodeSelector:       map[string]string{"NodeType": "cpu"},
					Tolerations: []corev1.Toleration{{
						Key:      "node-role",
						Operator: corev1.TolerationOpEqual,
						Value:    "cpu-only",
						Effect:   corev1.TaintEffectNoSchedule,
					}},
					Containers: []corev1.Container{{
						Name:            "worker",
						Image:           cfg.WorkerImage,
						ImagePullPolicy: corev1.PullPolicy(cfg.ImagePullPolicy),
						Command:         []string{"/resctl"},
						Args:            []string{"-mode=worker", fmt.Sprintf("%d", msgID)},
						Env:             env,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("500m"),
								corev1.ResourceMemory: resource.MustParse("1Gi"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("2000m"),
								corev1.ResourceMemory: resource.MustParse("4Gi"),
							},
						},
					}},
				},
			},
		},
	}

	_, err = c.clientset.BatchV1().Jobs(cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return jobName, nil
		}
		return "", wrapK8s("create_job", err)
	}
	return jobName, nil
}

// WorkloadSpec describes a GPU reservation workload (§4.4): a single pod
// pinned to a pre-selected node, requesting gpu_count GPUs plus
// proportional CPU/memory, mounting the reservation's attached disk device.
type WorkloadSpec struct {
	ReservationID  string
	UserID         string
	GPUType        string
	GPUCount       int32
	CPUCores       float64
	MemoryGB       float64
	ImageReference string
	NodeName       string
	DevicePath     string
	DiskName       string
	NotebookEnabled bool
	Multinode      *MultinodeCoordinates
}

// MultinodeCoordinates carries a multinode group member's linkage, exposed
// to the workload as environment variables so multi-process training
// frameworks can self-assemble (§4.4).
type MultinodeCoordinates struct {
	MasterReservationID string
	NodeIndex           int
	TotalNodes          int
}

func reservationPodName(reservationID string) string {
	return "gpu-reservation-" + reservationID
}

// CreateReservationWorkload submits the pod backing one reservation. It is
// idempotent: a pre-existing pod with the same name is treated as success,
// since the worker may retry after a transient failure (§4.4, §8 scenario 6).
func (c *Client) CreateReservationWorkload(ctx context.Context, spec WorkloadSpec) (*corev1.Pod, error) {
	gpuQty := resource.NewQuantity(int64(spec.GPUCount), resource.DecimalSI)
	cpuQty := resource.MustParse(fmt.Sprintf("%.0fm", spec.CPUCores*1000))
	memQty := resource.MustParse(fmt.Sprintf("%.2fGi", spec.MemoryGB))

	env := []corev1.EnvVar{
		{Name: "GPU_DEV_USER", Value: spec.UserID},
		{Name: "GPU_DEV_RESERVATION_ID", Value: spec.ReservationID},
		{Name: "GPU_DEV_DISK_NAME", Value: spec.DiskName},
		{Name: "GPU_DEV_NOTEBOOK_ENABLED", Value: fmt.Sprintf("%t", spec.NotebookEnabled)},
	}
	if spec.Multinode != nil {
		env = append(env,
			corev1.EnvVar{Name: "GPU_DEV_MASTER_RESERVATION_ID", Value: spec.Multinode.MasterReservationID},
			corev1.EnvVar{Name: "GPU_DEV_NODE_INDEX", Value: fmt.Sprintf("%d", spec.Multinode.NodeIndex)},
			corev1.EnvVar{Name: "GPU_DEV_TOTAL_NODES", Value: fmt.Sprintf("%d", spec.Multinode.TotalNodes)},
		)
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	if spec.DevicePath != "" {
		hostPathType := corev1.HostPathBlockDev
		volumes = append(volumes, corev1.Volume{
			Name: "user-disk",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: spec.DevicePath, Type: &hostPathType},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "user-disk", MountPath: "/mnt/disk"})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      reservationPodName(spec.ReservationID),
			Namespace: c.namespace,
			Labels: map[string]string{
				"app":            "gpu-reservation",
				"reservation-id": spec.ReservationID,
				"gpu-type":       spec.GPUType,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeName:      spec.NodeName,
			NodeSelector:  map[string]string{"GpuType": spec.GPUType},
			Containers: []corev1.Container{{
				Name:         "workload",
				Image:        spec.ImageReference,
				Env:          env,
				VolumeMounts: mounts,
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    cpuQty,
						corev1.ResourceMemory: memQty,
						"nvidia.com/gpu":      *gpuQty,
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    cpuQty,
						corev1.ResourceMemory: memQty,
						"nvidia.com/gpu":      *gpuQty,
					},
				},
			}},
			Volumes: volumes,
		},
	}

	_, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return c.clientset.CoreV1().Pods(c.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		}
		return nil, wrapK8s("create_reservation_pod", err)
	}
	return pod, nil
}

// WaitReservationReady polls until the reservation pod reports Running with
// all containers ready, or timeout elapses (§4.4 readiness polling).
func (c *Client) WaitReservationReady(ctx context.Context, reservationID string, timeout time.Duration) (*corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	name := reservationPodName(reservationID)
	for {
		pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, wrapK8s("get_reservation_pod", err)
		}
		if pod.Status.Phase == corev1.PodRunning && podContainersReady(pod) {
			return pod, nil
		}
		if pod.Status.Phase == corev1.PodFailed {
			return nil, coreerr.New(coreerr.KindOrchestratorPermanent, "reservation pod "+name+" failed to start", nil)
		}

		select {
		case <-ctx.Done():
			return nil, coreerr.New(coreerr.KindDeadlineExceeded, "waiting for reservation pod "+name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func podContainersReady(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return len(pod.Status.ContainerStatuses) > 0
}

// DeleteReservationWorkload removes a reservation's pod, tolerating
// not-found (§4.10 step 3).
func (c *Client) DeleteReservationWorkload(ctx context.Context, reservationID string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, reservationPodName(reservationID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapK8s("delete_reservation_pod", err)
	}
	return nil
}

// JobStatus mirrors get_job_status's phase derivation.
type JobStatus struct {
	Phase     string // Pending, Running, Succeeded, Failed
	Active    int32
	Succeeded int32
	Failed    int32
}

// GetJobStatus reads a worker Job's status, returning (nil, nil) if the Job
// no longer exists.
func (c *Client) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, wrapK8s("get_job_status", err)
	}

	st := JobStatus{Active: job.Status.Active, Succeeded: job.Status.Succeeded, Failed: job.Status.Failed}
	switch {
	case st.Succeeded > 0:
		st.Phase = "Succeeded"
	case st.Failed > 0:
		st.Phase = "Failed"
	case st.Active > 0:
		st.Phase = "Running"
	default:
		st.Phase = "Pending"
	}
	return &st, nil
}

// DeleteJob removes a worker Job in the background, tolerating not-found.
func (c *Client) DeleteJob(ctx context.Context, jobName string) error {
	policy := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapK8s("delete_job", err)
	}
	return nil
}

// PodLogs returns the tail of the single pod backing a Job.
func (c *Client) PodLogs(ctx context.Context, jobName string, tailLines int64) (string, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", wrapK8s("pod_logs", err)
	}
	if len(pods.Items) == 0 {
		return "", coreerr.New(coreerr.KindNotFound, "no pod found for job "+jobName, nil)
	}

	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: &tailLines})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", wrapK8s("pod_logs", err)
	}
	defer stream.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return string(buf), nil
}

// InstanceIDForNode extracts the cloud instance ID from a node's
// spec.providerID (e.g. "aws:///us-east-2a/i-0123456789abcdef0"), used to
// attach a reservation's disk volume to the node the workload was scheduled
// on (§4.4 storage allocation).
func (c *Client) InstanceIDForNode(ctx context.Context, nodeName string) (string, error) {
	node, err := c.clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return "", wrapK8s("get_node", err)
	}
	providerID := node.Spec.ProviderID
	for i := len(providerID) - 1; i >= 0; i-- {
		if providerID[i] == '/' {
			return providerID[i+1:], nil
		}
	}
	return providerID, nil
}

func wrapK8s(op string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return coreerr.New(coreerr.KindNotFound, "k8s: "+op, err)
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return coreerr.New(coreerr.KindConflict, "k8s: "+op, err)
	case apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err):
		return coreerr.New(coreerr.KindOrchestratorTransient, "k8s: "+op, err)
	default:
		return coreerr.New(coreerr.KindOrchestratorPermanent, "k8s: "+op, err)
	}
}

// waitTimeout is the default bound for job-readiness polling loops.
const waitTimeout = 10 * time.Minute

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}
