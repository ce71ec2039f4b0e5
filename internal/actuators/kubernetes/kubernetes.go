// Package kubernetes restarts and resizes Deployments through client-go.
package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	name              = "kubernetes"
	restartAnnotation = "kubectl.kubernetes.io/restartedAt"
)

// Actuator acts on the Deployment that owns a failing pod.
type Actuator struct {
	client k8s.Interface
	now    func() time.Time
}

// New wraps an existing clientset.
func New(client k8s.Interface) *Actuator {
	return &Actuator{client: client, now: time.Now}
}

// NewFromKubeconfig loads kubeconfig, or the in-cluster config when the
// path is empty.
func NewFromKubeconfig(path string) (*Actuator, error) {
	var (
		cfg *rest.Config
		err error
	)
	if path == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	cs, err := k8s.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return New(cs), nil
}

func failure(op string, err error) error {
	switch {
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsInternalError(err), apierrors.IsServiceUnavailable(err), apierrors.IsConflict(err):
		return actuators.Transient(name, op, err)
	}
	return actuators.Permanent(name, op, err)
}

func target(ev incident.FailureEvent) (ns, deploy string, err error) {
	ns, deploy = ev.Namespace, ev.Attributes["workload"]
	if ns == "" || deploy == "" {
		return "", "", fmt.Errorf("event has no namespace/workload")
	}
	return ns, deploy, nil
}

// RetriggerWorkflow performs a rollout restart of the workload.
func (a *Actuator) RetriggerWorkflow(ctx context.Context, ev incident.FailureEvent) error {
	ns, deploy, err := target(ev)
	if err != nil {
		return actuators.Permanent(name, "restart", err)
	}
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartAnnotation, a.now().UTC().Format(time.RFC3339))
	_, err = a.client.AppsV1().Deployments(ns).Patch(ctx, deploy, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return failure("restart", err)
	}
	return nil
}

// ScaleResource multiplies the memory limit of the failing container (or
// every container when none is named). The returned Restore puts the
// previous limits back.
func (a *Actuator) ScaleResource(ctx context.Context, ev incident.FailureEvent, factor float64) (actuators.Restore, error) {
	if factor <= 1 {
		return nil, actuators.Permanent(name, "scale", fmt.Errorf("scale factor %.2f must be above 1", factor))
	}
	ns, deploy, err := target(ev)
	if err != nil {
		return nil, actuators.Permanent(name, "scale", err)
	}
	d, err := a.client.AppsV1().Deployments(ns).Get(ctx, deploy, metav1.GetOptions{})
	if err != nil {
		return nil, failure("scale", err)
	}

	only := ev.Attributes["container"]
	previous := map[string]corev1.ResourceRequirements{}
	for i := range d.Spec.Template.Spec.Containers {
		c := &d.Spec.Template.Spec.Containers[i]
		if only != "" && c.Name != only {
			continue
		}
		limit, ok := c.Resources.Limits[corev1.ResourceMemory]
		if !ok {
			continue
		}
		previous[c.Name] = *c.Resources.DeepCopy()
		scaled := resource.NewQuantity(int64(float64(limit.Value())*factor), resource.BinarySI)
		c.Resources.Limits[corev1.ResourceMemory] = *scaled
	}
	if len(previous) == 0 {
		return nil, actuators.Permanent(name, "scale", fmt.Errorf("deployment %s/%s has no memory limit to raise", ns, deploy))
	}
	if _, err := a.client.AppsV1().Deployments(ns).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return nil, failure("scale", err)
	}

	return func(ctx context.Context) error {
		cur, err := a.client.AppsV1().Deployments(ns).Get(ctx, deploy, metav1.GetOptions{})
		if err != nil {
			return failure("restore_scale", err)
		}
		restoreResources(cur, previous)
		if _, err := a.client.AppsV1().Deployments(ns).Update(ctx, cur, metav1.UpdateOptions{}); err != nil {
			return failure("restore_scale", err)
		}
		return nil
	}, nil
}

func restoreResources(d *appsv1.Deployment, previous map[string]corev1.ResourceRequirements) {
	for i := range d.Spec.Template.Spec.Containers {
		c := &d.Spec.Template.Spec.Containers[i]
		if r, ok := previous[c.Name]; ok {
			c.Resources = r
		}
	}
}
