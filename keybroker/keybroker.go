package keybroker

import (
	"context"
	"fmt"

	"github.com/stackmesh/dobs-luks-csi/config"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Broker resolves LUKS passphrases from Kubernetes Secrets. Read-only,
// no caching: staging is rare and the kubelet retries on failure.
type Broker struct {
	client kubernetes.Interface
}

// New builds a Broker from the in-cluster service account, or from the
// given kubeconfig path when set (local development).
func New(kubeconfig string) (*Broker, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return &Broker{client: client}, nil
}

func NewWithClient(client kubernetes.Interface) *Broker {
	return &Broker{client: client}
}

// LuksKey returns the passphrase stored in the luksKey field of the
// referenced Secret.
func (b *Broker) LuksKey(ctx context.Context, namespace, name string) ([]byte, error) {
	secret, err := b.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &KeyError{Namespace: namespace, Name: name, Reason: ReasonSecretNotFound}
		}
		return nil, fmt.Errorf("get secret %s/%s: %w", namespace, name, err)
	}

	key := secret.Data[config.SecretKeyField]
	if len(key) == 0 {
		return nil, &KeyError{Namespace: namespace, Name: name, Reason: ReasonFieldMissing}
	}
	return key, nil
}

const (
	ReasonSecretNotFound = "SECRET_NOT_FOUND"
	ReasonFieldMissing   = "FIELD_MISSING"
)

type KeyError struct {
	Namespace string
	Name      string
	Reason    string
}

func (e *KeyError) Error() string {
	if e.Reason == ReasonFieldMissing {
		return fmt.Sprintf("secret %s/%s has no %q field", e.Namespace, e.Name, config.SecretKeyField)
	}
	return fmt.Sprintf("secret %s/%s not found", e.Namespace, e.Name)
}

func IsNotFound(err error) bool {
	if ke, ok := err.(*KeyError); ok {
		return ke.Reason == ReasonSecretNotFound
	}
	return false
}

func IsMissingField(err error) bool {
	if ke, ok := err.(*KeyError); ok {
		return ke.Reason == ReasonFieldMissing
	}
	return false
}
