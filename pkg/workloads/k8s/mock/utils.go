package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	k8s "github.com/opst/logbridge/pkg/workloads/k8s"
	kubecore "k8s.io/api/core/v1"
)

// get mocked k8s.Cluster
//
// # returns
//
//   - *k8s.Cluster : using *MockClient as base client
//   - *MockClient : mock object.
//     you can fake k8s behaviours or spy its usage.
func NewCluster() (*k8s.Cluster, *MockClient) {
	client := NewMockClient()
	return k8s.AttachCluster(client, "fake-namespace", "main"), client
}

type LogCall struct {
	Namespace string
	Pod       string
	Options   kubecore.PodLogOptions
}

type ExecCall struct {
	Namespace string
	Pod       string
	Options   kubecore.PodExecOptions
}

type MockClient struct {
	Impl struct {
		GetPod func(ctx context.Context, namespace string, name string) (*kubecore.Pod, error)
		Log    func(ctx context.Context, namespace string, pod string, opts *kubecore.PodLogOptions) (io.ReadCloser, error)
		Exec   func(ctx context.Context, namespace string, pod string, opts *kubecore.PodExecOptions, stdout io.Writer, stderr io.Writer) error
	}

	mux    sync.Mutex
	Called struct {
		GetPod uint64
		Log    []LogCall
		Exec   []ExecCall
	}
}

// MockClient implements k8s.K8sClient
var _ k8s.K8sClient = &MockClient{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error) {
	m.mux.Lock()
	m.Called.GetPod += 1
	m.mux.Unlock()

	if m.Impl.GetPod == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.GetPod(ctx, namespace, name)
}

func (m *MockClient) Log(ctx context.Context, namespace string, pod string, opts *kubecore.PodLogOptions) (io.ReadCloser, error) {
	m.mux.Lock()
	m.Called.Log = append(m.Called.Log, LogCall{Namespace: namespace, Pod: pod, Options: *opts})
	m.mux.Unlock()

	if m.Impl.Log == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Log(ctx, namespace, pod, opts)
}

func (m *MockClient) Exec(
	ctx context.Context, namespace string, pod string, opts *kubecore.PodExecOptions,
	stdout io.Writer, stderr io.Writer,
) error {
	m.mux.Lock()
	m.Called.Exec = append(m.Called.Exec, ExecCall{Namespace: namespace, Pod: pod, Options: *opts})
	m.mux.Unlock()

	if m.Impl.Exec == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Exec(ctx, namespace, pod, opts, stdout, stderr)
}

// LogCalls returns a snapshot of Called.Log .
func (m *MockClient) LogCalls() []LogCall {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]LogCall{}, m.Called.Log...)
}

// ExecCalls returns a snapshot of Called.Exec .
func (m *MockClient) ExecCalls() []ExecCall {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]ExecCall{}, m.Called.Exec...)
}
