package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func deployment() *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "prod"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{
					{
						Name: "app",
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{corev1.ResourceMemory: resource.MustParse("512Mi")},
						},
					},
					{Name: "sidecar"},
				}},
			},
		},
	}
}

func k8sEvent() incident.FailureEvent {
	return incident.FailureEvent{
		Namespace:  "prod",
		Attributes: map[string]string{"workload": "api", "container": "app"},
	}
}

func TestRetriggerWorkflow_RestartsDeployment(t *testing.T) {
	cs := fake.NewSimpleClientset(deployment())
	a := New(cs)
	a.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, a.RetriggerWorkflow(context.Background(), k8sEvent()))

	d, err := cs.AppsV1().Deployments("prod").Get(context.Background(), "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T12:00:00Z", d.Spec.Template.Annotations[restartAnnotation])
}

func TestRetriggerWorkflow_MissingDeployment(t *testing.T) {
	a := New(fake.NewSimpleClientset())
	var af *incident.ActuatorFailure
	require.ErrorAs(t, a.RetriggerWorkflow(context.Background(), k8sEvent()), &af)
	assert.False(t, af.Transient)
}

func TestScaleResource_AndRestore(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset(deployment())
	a := New(cs)

	restore, err := a.ScaleResource(ctx, k8sEvent(), 1.5)
	require.NoError(t, err)

	d, err := cs.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	got := d.Spec.Template.Spec.Containers[0].Resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, int64(768*1024*1024), got.Value())

	require.NoError(t, restore(ctx))
	d, err = cs.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	got = d.Spec.Template.Spec.Containers[0].Resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, int64(512*1024*1024), got.Value())
}

func TestScaleResource_Errors(t *testing.T) {
	ctx := context.Background()
	a := New(fake.NewSimpleClientset(deployment()))

	_, err := a.ScaleResource(ctx, k8sEvent(), 1.0)
	assert.Error(t, err)

	ev := k8sEvent()
	ev.Attributes["container"] = "sidecar"
	_, err = a.ScaleResource(ctx, ev, 2)
	assert.ErrorContains(t, err, "no memory limit")

	_, err = a.ScaleResource(ctx, incident.FailureEvent{}, 2)
	assert.Error(t, err)
}
