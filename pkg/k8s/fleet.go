package k8s

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/k3suav/shadow-gcs/pkg/models"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"
)

// appLabel marks every DroneStatus written by a ground station
const appLabel = "shadow-gcs"

// FleetEntry is one drone as published by any station sharing the namespace
type FleetEntry struct {
	Name    string             `json:"name"`
	Station string             `json:"station"`
	Phase   string             `json:"phase,omitempty"`
	Status  models.DroneStatus `json:"status"`
}

// Fleet keeps an informer-backed cache of every DroneStatus in the
// namespace, including drones flown from other stations
type Fleet struct {
	client *Client
	log    *logrus.Logger

	mu      sync.RWMutex
	entries map[string]FleetEntry // by resource name
	synced  atomic.Bool
}

// NewFleet creates a fleet cache on top of a client
func NewFleet(c *Client) *Fleet {
	f := &Fleet{
		client:  c,
		log:     logrus.StandardLogger(),
		entries: make(map[string]FleetEntry),
	}
	if c != nil && c.log != nil {
		f.log = c.log
	}
	return f
}

// Run watches DroneStatus resources until ctx is cancelled
func (f *Fleet) Run(ctx context.Context, resync time.Duration) error {
	if f.client == nil || f.client.dynamicClient == nil {
		return models.ErrK8sClientNotInitialized
	}

	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(
		f.client.dynamicClient, resync, f.client.config.Kubernetes.Namespace,
		func(o *metav1.ListOptions) { o.LabelSelector = "app=" + appLabel },
	)
	informer := factory.ForResource(f.client.gvr).Informer()
	if _, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    f.upsert,
		UpdateFunc: func(_, obj interface{}) { f.upsert(obj) },
		DeleteFunc: f.remove,
	}); err != nil {
		return fmt.Errorf("register fleet handler: %w", err)
	}

	factory.Start(ctx.Done())
	defer factory.Shutdown()

	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return ctx.Err()
	}
	f.synced.Store(true)
	f.log.WithField("drones", f.Len()).Info("Fleet cache synced")

	<-ctx.Done()
	return ctx.Err()
}

// Synced reports whether the initial list has been loaded
func (f *Fleet) Synced() bool {
	return f.synced.Load()
}

// Len returns the number of cached drones
func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Snapshot returns the cached fleet ordered by station and name
func (f *Fleet) Snapshot() []FleetEntry {
	f.mu.RLock()
	out := make([]FleetEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Station != out[j].Station {
			return out[i].Station < out[j].Station
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (f *Fleet) upsert(obj interface{}) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return
	}
	status, err := f.client.unstructuredToStatus(u)
	if err != nil {
		f.log.WithField("name", u.GetName()).WithError(err).Debug("Ignoring malformed DroneStatus")
		return
	}
	phase, _, _ := unstructured.NestedString(u.Object, "status", "phase")

	f.mu.Lock()
	f.entries[u.GetName()] = FleetEntry{
		Name:    u.GetName(),
		Station: u.GetLabels()["station"],
		Phase:   phase,
		Status:  *status,
	}
	f.mu.Unlock()
}

func (f *Fleet) remove(obj interface{}) {
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tomb.Obj
	}
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return
	}
	f.mu.Lock()
	delete(f.entries, u.GetName())
	f.mu.Unlock()
}
