package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	corev1 "k8s.io/api/core/v1"
)

var failureReasons = map[string]string{
	"FailedScheduling": "scheduling_failure",
	"FailedMount":      "mount_failure",
	"Unhealthy":        "health_failure",
	"Failed":           "resource_failure",
	"BackOff":          "resource_failure",
}

var crashReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"CreateContainerConfigError": true,
	"OOMKilled":                  true,
	"Error":                      true,
}

type k8sIDs struct {
	UID          string `path:"uid" validate:"required"`
	RestartCount *int32 `path:"restart_count" validate:"required"`
}

type k8sEnvelope struct {
	Kind string `json:"kind"`
	Logs string `json:"logs"`
}

func (n *Normalizer) kubernetes(payload []byte) (incident.FailureEvent, error) {
	var env k8sEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return incident.FailureEvent{}, &incident.MalformedEventError{Platform: incident.PlatformKubernetes, Err: err}
	}
	if env.Kind == "Pod" {
		return n.k8sPod(payload, env.Logs)
	}
	return n.k8sEvent(payload, env.Logs)
}

func (n *Normalizer) k8sEvent(payload []byte, logs string) (incident.FailureEvent, error) {
	var e corev1.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return incident.FailureEvent{}, &incident.MalformedEventError{Platform: incident.PlatformKubernetes, Err: err}
	}
	obj := e.InvolvedObject
	count := e.Count
	if err := n.check(incident.PlatformKubernetes, k8sIDs{UID: string(obj.UID), RestartCount: &count}); err != nil {
		return incident.FailureEvent{}, err
	}

	failureType, known := failureReasons[e.Reason]
	if e.Type != corev1.EventTypeWarning && !known {
		return incident.FailureEvent{}, ErrNotFailure
	}
	if failureType == "" {
		failureType = "resource_failure"
	}

	summary := fmt.Sprintf(`Kubernetes event
Object: %s/%s
Namespace: %s
Reason: %s
Type: %s

Message: %s

First seen: %s
Last seen: %s
Count: %d
Source: %s
`,
		obj.Kind, obj.Name, orUnknown(obj.Namespace), e.Reason, e.Type, e.Message,
		e.FirstTimestamp.UTC().Format("2006-01-02T15:04:05Z"), e.LastTimestamp.UTC().Format("2006-01-02T15:04:05Z"),
		e.Count, orUnknown(e.Source.Component))

	ev := incident.FailureEvent{
		IncidentID:    fmt.Sprintf("k8s-%s-restart-%d", obj.UID, e.Count),
		Resource:      obj.Kind + "/" + obj.Name,
		RawLogExcerpt: appendLogs(summary, logs),
		Environment:   InferEnvironment(obj.Namespace),
		FailureType:   failureType,
		Namespace:     obj.Namespace,
		Attributes: map[string]string{
			"kind":     obj.Kind,
			"name":     obj.Name,
			"reason":   e.Reason,
			"workload": workloadName(obj.Kind, obj.Name),
		},
	}
	if !e.LastTimestamp.IsZero() {
		ev.DetectedAt = e.LastTimestamp.UTC()
	}
	return ev, nil
}

func (n *Normalizer) k8sPod(payload []byte, logs string) (incident.FailureEvent, error) {
	var pod corev1.Pod
	if err := json.Unmarshal(payload, &pod); err != nil {
		return incident.FailureEvent{}, &incident.MalformedEventError{Platform: incident.PlatformKubernetes, Err: err}
	}

	var (
		restarts  *int32
		container string
		reason    string
		message   string
	)
	for _, cs := range pod.Status.ContainerStatuses {
		rc := cs.RestartCount
		if restarts == nil || rc > *restarts {
			restarts = &rc
		}
		r, m := containerFailure(cs)
		if r != "" && reason == "" {
			container, reason, message = cs.Name, r, m
		}
	}
	if err := n.check(incident.PlatformKubernetes, k8sIDs{UID: string(pod.UID), RestartCount: restarts}); err != nil {
		return incident.FailureEvent{}, err
	}
	if reason == "" && pod.Status.Phase == corev1.PodFailed {
		reason, message = orUnknown(pod.Status.Reason), pod.Status.Message
	}
	if reason == "" {
		return incident.FailureEvent{}, ErrNotFailure
	}

	summary := fmt.Sprintf(`Kubernetes pod failure
Pod: %s
Namespace: %s
Phase: %s
Container: %s
Reason: %s
Restarts: %d

Message: %s
`, pod.Name, orUnknown(pod.Namespace), pod.Status.Phase, orUnknown(container), reason, *restarts, message)

	workload := pod.Name
	for _, ref := range pod.OwnerReferences {
		workload = workloadName(ref.Kind, ref.Name)
	}

	return incident.FailureEvent{
		IncidentID:    fmt.Sprintf("k8s-%s-restart-%d", pod.UID, *restarts),
		Resource:      "Pod/" + pod.Name,
		RawLogExcerpt: appendLogs(summary, logs),
		Environment:   InferEnvironment(pod.Namespace),
		FailureType:   "resource_failure",
		Namespace:     pod.Namespace,
		Attributes: map[string]string{
			"kind":      "Pod",
			"name":      pod.Name,
			"container": container,
			"reason":    reason,
			"workload":  workload,
		},
	}, nil
}

func containerFailure(cs corev1.ContainerStatus) (reason, message string) {
	if w := cs.State.Waiting; w != nil && crashReasons[w.Reason] {
		reason, message = w.Reason, w.Message
	}
	if t := cs.LastTerminationState.Terminated; t != nil && crashReasons[t.Reason] {
		if reason == "" || t.Reason == "OOMKilled" {
			reason = t.Reason
		}
		if message == "" {
			message = t.Message
		}
	}
	if t := cs.State.Terminated; t != nil && crashReasons[t.Reason] && reason == "" {
		reason, message = t.Reason, t.Message
	}
	return reason, message
}

// workloadName maps a ReplicaSet or Pod name to its Deployment by stripping
// generated suffixes.
func workloadName(kind, name string) string {
	trim := func(s string) string {
		if i := strings.LastIndex(s, "-"); i > 0 {
			return s[:i]
		}
		return s
	}
	switch kind {
	case "ReplicaSet":
		return trim(name)
	case "Pod":
		if strings.Count(name, "-") >= 2 {
			return trim(trim(name))
		}
	}
	return name
}
