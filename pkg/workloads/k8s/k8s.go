package k8s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/utils/exec"
	"k8s.io/utils/ptr"

	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	xe "github.com/opst/logbridge/pkg/errors"
)

// subset of k8s.Clientset the bridge needs.
type K8sClient interface {
	GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error)

	// Log opens a log stream of a pod.
	Log(ctx context.Context, namespace string, podname string, opts *kubecore.PodLogOptions) (io.ReadCloser, error)

	// Exec runs a command in a pod, and blocks until it ends.
	//
	// Exit status other than 0 is reported as an error implements k8s.io/utils/exec.ExitError .
	Exec(ctx context.Context, namespace string, podname string, opts *kubecore.PodExecOptions, stdout io.Writer, stderr io.Writer) error
}

// A wrapper for the type k8s.Clientset; because it does not prefer method chain-style invocations of that type.
type k8sClient struct {
	client k8s.Interface
	config *rest.Config
}

// type check: k8sClient implements K8sClient
var _ K8sClient = &k8sClient{}

// WrapK8sClient wraps a clientset.
//
// config is used to open exec streams. If it is nil, Exec always fails.
func WrapK8sClient(c k8s.Interface, config *rest.Config) K8sClient {
	return &k8sClient{client: c, config: config}
}

func (k *k8sClient) GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error) {
	return k.client.CoreV1().Pods(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, opts *kubecore.PodLogOptions) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, opts).
		Stream(ctx)
}

func (k *k8sClient) Exec(
	ctx context.Context, namespace string, podname string, opts *kubecore.PodExecOptions,
	stdout io.Writer, stderr io.Writer,
) error {
	if k.config == nil {
		return xe.New("exec is not available: no rest config")
	}

	req := k.client.
		CoreV1().
		RESTClient().
		Post().
		Resource("pods").
		Namespace(namespace).
		Name(podname).
		SubResource("exec").
		VersionedParams(opts, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.config, http.MethodPost, req.URL())
	if err != nil {
		return err
	}
	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
}

// LogOptions tells where a log stream starts from.
type LogOptions struct {
	// If not zero, only lines logged at or after this are streamed.
	Since time.Time

	// If not nil, only this many lines from the end are streamed first.
	// Ignored when Since is set.
	TailLines *int64
}

// Cluster is where workloads live: pods in a namespace.
//
// Errors from this type are classified into bridgeerrors.
type Cluster struct {
	client    K8sClient
	namespace string
	container string
}

// AttachCluster returns Cluster.
//
// # Args
//
// - client: k8s client
//
// - namespace: where pods are looked for
//
// - container: container name in pods. "" means the default container.
func AttachCluster(client K8sClient, namespace string, container string) *Cluster {
	return &Cluster{client: client, namespace: namespace, container: container}
}

func (c *Cluster) Namespace() string {
	return c.namespace
}

// FindWorkload checks the pod exists.
//
// # Returns
//
// - error: ErrWorkloadNotFound when missing or when the name is not a valid pod name.
// Other errors from k8s API are returned as it is.
func (c *Cluster) FindWorkload(ctx context.Context, workload string) error {
	if err := validateName(workload); err != nil {
		return err
	}
	if _, err := c.client.GetPod(ctx, c.namespace, workload); err != nil {
		if kubeerr.IsNotFound(err) {
			return bridgeerrors.NewWorkloadNotFoundCausedBy(workload, err)
		}
		return xe.WrapWithNote(workload, err)
	}
	return nil
}

// StreamLogs opens a follow-mode log stream of a workload.
//
// # Returns
//
// - io.ReadCloser: the log. It ends when the container stops or the connection is lost.
//
// - error: ErrWorkloadNotFound, or ErrUpstreamUnavailable for anything else.
func (c *Cluster) StreamLogs(ctx context.Context, workload string, opts LogOptions) (io.ReadCloser, error) {
	if err := validateName(workload); err != nil {
		return nil, err
	}

	logopts := &kubecore.PodLogOptions{Container: c.container, Follow: true}
	if !opts.Since.IsZero() {
		since := kubeapimeta.NewTime(opts.Since)
		logopts.SinceTime = &since
	} else if opts.TailLines != nil {
		logopts.TailLines = ptr.To(*opts.TailLines)
	}

	stream, err := c.client.Log(ctx, c.namespace, workload, logopts)
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return nil, bridgeerrors.NewWorkloadNotFoundCausedBy(workload, err)
		}
		return nil, bridgeerrors.NewUpstreamUnavailableCausedBy(
			fmt.Sprintf("cannot open log of %s/%s", c.namespace, workload), err,
		)
	}
	return stream, nil
}

// Exec runs command in a workload, writing stdout and stderr into output.
//
// # Returns
//
// - int: exit code of the command. Meaningful only when error is nil.
//
// - error:
// ErrWorkloadNotFound, ErrExecutionRefused (forbidden, bad request: e.g. container is not running),
// ErrExecutionTimeout (the platform timed out), ErrBackendUnavailable (API server or stream is unreachable),
// ErrExecutionFailure (otherwise), or context error when ctx is done.
func (c *Cluster) Exec(ctx context.Context, workload string, command []string, output io.Writer) (int, error) {
	if err := validateName(workload); err != nil {
		return 0, err
	}

	err := c.client.Exec(
		ctx, c.namespace, workload,
		&kubecore.PodExecOptions{
			Container: c.container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		},
		output, output,
	)
	if err == nil {
		return 0, nil
	}

	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}

	switch {
	case kubeerr.IsNotFound(err):
		return 0, bridgeerrors.NewWorkloadNotFoundCausedBy(workload, err)
	case kubeerr.IsForbidden(err), kubeerr.IsUnauthorized(err),
		kubeerr.IsBadRequest(err), kubeerr.IsMethodNotSupported(err):
		return 0, bridgeerrors.NewExecutionRefusedCausedBy(
			fmt.Sprintf("exec into %s/%s is refused", c.namespace, workload), err,
		)
	case kubeerr.IsTimeout(err), kubeerr.IsServerTimeout(err):
		return 0, bridgeerrors.NewExecutionTimeout(err.Error())
	case isUnreachable(err):
		return 0, bridgeerrors.NewBackendUnavailableCausedBy(
			fmt.Sprintf("exec into %s/%s is unavailable", c.namespace, workload), err,
		)
	}
	return 0, bridgeerrors.NewExecutionFailureCausedBy(
		fmt.Sprintf("exec into %s/%s is failed", c.namespace, workload), err,
	)
}

func isUnreachable(err error) bool {
	if kubeerr.IsServiceUnavailable(err) || kubeerr.IsInternalError(err) || kubeerr.IsTooManyRequests(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// remotecommand reports failures of protocol upgrade as plain errors.
	return strings.Contains(err.Error(), "unable to upgrade connection")
}

func validateName(workload string) error {
	if msgs := validation.IsDNS1123Subdomain(workload); len(msgs) != 0 {
		return bridgeerrors.NewWorkloadNotFoundCausedBy(workload, errors.New(strings.Join(msgs, "; ")))
	}
	return nil
}
