package kubeutil

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	xe "github.com/opst/logbridge/pkg/errors"
)

// FindKubeconfig decides which kubeconfig file should be used.
//
// # It searches kubeconfig from
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// - the file found first from the searchPath (e.g. the value of `-kubeconfig` flag)
//
// Later one wins. When no files are found, it returns "" (= in-cluster).
func FindKubeconfig(searchPath ...string) string {
	kubeconfig := ""

	// priority 1 (least): ~/.kube/config
	if home := homedir.HomeDir(); home != "" {
		_kubeconfig := filepath.Join(home, ".kube", "config")
		if isFile(_kubeconfig) {
			kubeconfig = _kubeconfig
		}
	}

	// priority 2: envvar KUBECONFIG
	if k := os.Getenv("KUBECONFIG"); k != "" && isFile(k) {
		kubeconfig = k
	}

	// priority 3 (most): search path
	for _, sp := range searchPath {
		if sp != "" && isFile(sp) {
			kubeconfig = sp
			break
		}
	}

	return kubeconfig
}

func isFile(p string) bool {
	s, err := os.Stat(p)
	return err == nil && !s.IsDir()
}

// ConnectToK8s builds a clientset and its rest config.
//
// The rest config is needed to open exec streams, which are not a part of the clientset.
//
// When no kubeconfig is found, it tries in-cluster config.
func ConnectToK8s(searchPath ...string) (*kubernetes.Clientset, *rest.Config, error) {
	kubeconfig := FindKubeconfig(searchPath...)

	var config *rest.Config
	var err error
	if kubeconfig == "" {
		// fallback: try in-cluster
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, nil, xe.WrapWithNote(fmt.Sprintf("kubeconfig=%q", kubeconfig), err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, xe.Wrap(err)
	}
	return clientset, config, nil
}
