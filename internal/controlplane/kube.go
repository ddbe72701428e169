package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/ratelimit"
	"github.com/gatehouse/gatehouse/internal/registry"
)

// The provisioning operator owns these resources; gatehouse only watches
// them. QueryPorts are namespaced (one per tenant binding), ServiceTiers
// are cluster-scoped.
var (
	queryPortGVR   = schema.GroupVersionResource{Group: "gatehouse.dev", Version: "v1alpha1", Resource: "queryports"}
	serviceTierGVR = schema.GroupVersionResource{Group: "gatehouse.dev", Version: "v1alpha1", Resource: "servicetiers"}
)

// KubeSource implements Source on top of a Kubernetes watch. Each stream
// lists the resource first (surfaced as Added events, so a restart
// rebuilds the registries) and then follows the watch; when the watch
// drops it re-lists after the retry interval.
type KubeSource struct {
	client        dynamic.Interface
	namespace     string
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewKubeSource connects to the cluster. An empty kubeconfig path means
// in-cluster configuration.
func NewKubeSource(cfg config.ControlPlaneConfig, logger *slog.Logger) (*KubeSource, error) {
	restCfg, err := buildRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	client, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return newKubeSource(client, cfg, logger), nil
}

func newKubeSource(client dynamic.Interface, cfg config.ControlPlaneConfig, logger *slog.Logger) *KubeSource {
	return &KubeSource{
		client:        client,
		namespace:     cfg.Namespace,
		retryInterval: config.MustParseDuration(cfg.RetryInterval, 5*time.Second),
		logger:        logger,
	}
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", kubeconfig, err)
		}
		return cfg, nil
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	return cfg, nil
}

// TenantEvents streams QueryPort changes decoded into consumer records.
func (s *KubeSource) TenantEvents(ctx context.Context) <-chan TenantEvent {
	out := make(chan TenantEvent)
	go func() {
		defer close(out)
		s.stream(ctx, queryPortGVR, s.portsInterface(), func(kind EventKind, obj *unstructured.Unstructured) {
			select {
			case out <- TenantEvent{Kind: kind, Tenant: decodeQueryPort(obj)}:
			case <-ctx.Done():
			}
		})
	}()
	return out
}

// TierEvents streams ServiceTier changes decoded into tier definitions.
func (s *KubeSource) TierEvents(ctx context.Context) <-chan TierEvent {
	out := make(chan TierEvent)
	go func() {
		defer close(out)
		s.stream(ctx, serviceTierGVR, s.client.Resource(serviceTierGVR), func(kind EventKind, obj *unstructured.Unstructured) {
			select {
			case out <- TierEvent{Kind: kind, Tier: decodeServiceTier(obj)}:
			case <-ctx.Done():
			}
		})
	}()
	return out
}

func (s *KubeSource) portsInterface() dynamic.ResourceInterface {
	if s.namespace != "" {
		return s.client.Resource(queryPortGVR).Namespace(s.namespace)
	}
	return s.client.Resource(queryPortGVR)
}

// stream keeps one resource watched until ctx ends, re-establishing the
// watch after retryInterval whenever it drops.
func (s *KubeSource) stream(ctx context.Context, gvr schema.GroupVersionResource, iface dynamic.ResourceInterface, emit func(EventKind, *unstructured.Unstructured)) {
	for {
		err := s.watchOnce(ctx, gvr, iface, emit)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("watch dropped, reconnecting",
			"resource", gvr.Resource,
			"retry_in", s.retryInterval,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryInterval):
		}
	}
}

// watchOnce lists the resource, emits every item as Added, then follows
// a watch opened at the list's resource version.
func (s *KubeSource) watchOnce(ctx context.Context, gvr schema.GroupVersionResource, iface dynamic.ResourceInterface, emit func(EventKind, *unstructured.Unstructured)) error {
	list, err := iface.List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list %s: %w", gvr.Resource, err)
	}
	for i := range list.Items {
		emit(Added, &list.Items[i])
	}

	w, err := iface.Watch(ctx, metav1.ListOptions{ResourceVersion: list.GetResourceVersion()})
	if err != nil {
		return fmt.Errorf("watch %s: %w", gvr.Resource, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return fmt.Errorf("watch channel for %s closed", gvr.Resource)
			}

			kind, ok := translate(event.Type)
			if !ok {
				continue
			}
			obj, ok := event.Object.(*unstructured.Unstructured)
			if !ok {
				s.logger.Warn("unexpected watch object",
					"resource", gvr.Resource,
					"type", fmt.Sprintf("%T", event.Object))
				continue
			}
			emit(kind, obj)
		}
	}
}

// translate maps watch event types onto event kinds. Bookmark and Error
// events carry no usable object state and are skipped.
func translate(t watch.EventType) (EventKind, bool) {
	switch t {
	case watch.Added:
		return Added, true
	case watch.Modified:
		return Modified, true
	case watch.Deleted:
		return Deleted, true
	default:
		return 0, false
	}
}

// decodeQueryPort maps a QueryPort object onto a consumer record. Missing
// fields decode to empty strings; reconcile validation rejects the event
// then, so one malformed object never stalls the stream.
func decodeQueryPort(obj *unstructured.Unstructured) registry.Consumer {
	network, _, _ := unstructured.NestedString(obj.Object, "spec", "network")
	version, _, _ := unstructured.NestedString(obj.Object, "spec", "version")
	tier, _, _ := unstructured.NestedString(obj.Object, "spec", "tier")
	// The token is minted by the provisioning operator after creation; a
	// port without one is not admissible yet.
	token, _, _ := unstructured.NestedString(obj.Object, "status", "authToken")

	return registry.Consumer{
		Namespace: obj.GetNamespace(),
		PortName:  obj.GetName(),
		Tier:      tier,
		Key:       token,
		Network:   network,
		Version:   version,
	}
}

// decodeServiceTier maps a ServiceTier object onto a tier definition. Any
// malformed quota invalidates the whole event (nil Quotas): applying a
// partial quota set would silently loosen the tier.
func decodeServiceTier(obj *unstructured.Unstructured) registry.Tier {
	tier := registry.Tier{Name: obj.GetName()}

	raw, found, err := unstructured.NestedSlice(obj.Object, "spec", "quotas")
	if !found || err != nil {
		return tier
	}

	quotas := make([]ratelimit.Quota, 0, len(raw))
	for _, item := range raw {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return tier
		}
		quota, ok := decodeQuota(fields)
		if !ok {
			return tier
		}
		quotas = append(quotas, quota)
	}
	tier.Quotas = quotas
	return tier
}

func decodeQuota(fields map[string]interface{}) (ratelimit.Quota, bool) {
	requests, found, err := unstructured.NestedInt64(fields, "requests")
	if !found || err != nil {
		return ratelimit.Quota{}, false
	}
	intervalStr, found, err := unstructured.NestedString(fields, "interval")
	if !found || err != nil {
		return ratelimit.Quota{}, false
	}
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return ratelimit.Quota{}, false
	}
	// Burst is optional; zero falls back to Requests downstream.
	burst, _, err := unstructured.NestedInt64(fields, "burst")
	if err != nil {
		return ratelimit.Quota{}, false
	}

	return ratelimit.Quota{
		Requests: int(requests),
		Interval: interval,
		Burst:    int(burst),
	}, true
}
