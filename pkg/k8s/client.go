package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/k3suav/shadow-gcs/pkg/config"
	"github.com/k3suav/shadow-gcs/pkg/models"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kind of the drone status custom resource
const Kind = "DroneStatus"

// Resource phases
const (
	PhaseActive   = "Active"
	PhaseError    = "Error"
	PhaseInactive = "Inactive"
	PhaseUnknown  = "Unknown"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Client is a Kubernetes client wrapper for DroneStatus CRD operations
type Client struct {
	dynamicClient dynamic.Interface
	config        *config.Config
	gvr           schema.GroupVersionResource
	log           *logrus.Logger
}

// NewClient creates a new Kubernetes client
func NewClient(cfg *config.Config, log *logrus.Logger) (*Client, error) {
	var k8sConfig *rest.Config
	var err error

	// Try to use in-cluster config first, then kubeconfig
	if cfg.Kubernetes.KubeconfigPath == "" {
		k8sConfig, err = rest.InClusterConfig()
		if err != nil {
			// Fall back to default kubeconfig location
			kubeconfigPath := clientcmd.RecommendedHomeFile
			k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
			if err != nil {
				return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
			}
		}
	} else {
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.KubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config from %s: %w", cfg.Kubernetes.KubeconfigPath, err)
		}
	}

	// Create dynamic client
	dynamicClient, err := dynamic.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return NewClientWithDynamic(cfg, dynamicClient, log), nil
}

// NewClientWithDynamic wraps an existing dynamic client
func NewClientWithDynamic(cfg *config.Config, dynamicClient dynamic.Interface, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		dynamicClient: dynamicClient,
		config:        cfg,
		gvr:           GVR(cfg),
		log:           log,
	}
}

// GVR returns the GroupVersionResource of the drone status CRD
func GVR(cfg *config.Config) schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    cfg.Kubernetes.CRDGroup,
		Version:  cfg.Kubernetes.CRDVersion,
		Resource: cfg.Kubernetes.CRDResource,
	}
}

// ResourceName maps a drone serial to a DNS-1123 resource name
func ResourceName(serial string) (string, error) {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(serial), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return "", fmt.Errorf("serial %q yields an empty resource name", serial)
	}
	name = "drone-" + name
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return "", fmt.Errorf("invalid resource name %q: %s", name, strings.Join(errs, "; "))
	}
	return name, nil
}

// PhaseFor maps a health evaluation to a resource phase
func PhaseFor(health *models.HealthData) string {
	if health == nil {
		return PhaseActive
	}
	switch health.Status {
	case models.HealthStatusCritical:
		return PhaseError
	case models.HealthStatusWarning, models.HealthStatusHealthy:
		return PhaseActive
	default:
		return PhaseUnknown
	}
}

func (c *Client) resource() dynamic.ResourceInterface {
	return c.dynamicClient.Resource(c.gvr).Namespace(c.config.Kubernetes.Namespace)
}

// CreateOrUpdateDroneStatus creates or updates a DroneStatus CRD
func (c *Client) CreateOrUpdateDroneStatus(ctx context.Context, status *models.DroneStatus) error {
	if c == nil || c.dynamicClient == nil {
		return models.ErrK8sClientNotInitialized
	}

	name, err := ResourceName(status.Serial)
	if err != nil {
		return err
	}

	// Convert status to unstructured data
	obj, err := c.statusToUnstructured(status)
	if err != nil {
		return fmt.Errorf("failed to convert drone status to unstructured: %w", err)
	}
	obj.SetName(name)
	obj.SetNamespace(c.config.Kubernetes.Namespace)
	obj.SetLabels(map[string]string{
		"app":     appLabel,
		"station": labelValue(c.config.Agent.Name),
		"drone":   strings.TrimPrefix(name, "drone-"),
	})

	existing, err := c.resource().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := c.resource().Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("%w: create %s: %w", models.ErrCRDUpdateFailed, name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", models.ErrCRDUpdateFailed, name, err)
	}

	// Resource exists, update it and keep its status
	obj.SetResourceVersion(existing.GetResourceVersion())
	if st, found, _ := unstructured.NestedMap(existing.Object, "status"); found {
		_ = unstructured.SetNestedMap(obj.Object, st, "status")
	}
	if _, err := c.resource().Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("%w: update %s: %w", models.ErrCRDUpdateFailed, name, err)
	}
	return nil
}

// CreateOrUpdateWithRetry creates or updates with retry logic
func (c *Client) CreateOrUpdateWithRetry(ctx context.Context, status *models.DroneStatus) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.Kubernetes.RetryAttempts; attempt++ {
		if attempt > 0 {
			// Wait before retry
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.Kubernetes.RetryDelay):
			}
		}

		err := c.CreateOrUpdateDroneStatus(ctx, status)
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrK8sClientNotInitialized) {
			return err
		}
		lastErr = err
		c.log.WithFields(logrus.Fields{
			"serial":  status.Serial,
			"attempt": attempt + 1,
		}).WithError(err).Debug("Drone status update failed")
	}

	return fmt.Errorf("failed after %d attempts: %w", c.config.Kubernetes.RetryAttempts+1, lastErr)
}

// GetDroneStatus retrieves a DroneStatus CRD
func (c *Client) GetDroneStatus(ctx context.Context, serial string) (*models.DroneStatus, error) {
	name, err := ResourceName(serial)
	if err != nil {
		return nil, err
	}

	obj, err := c.resource().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrCRDNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DroneStatus: %w", err)
	}

	status, err := c.unstructuredToStatus(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert unstructured to drone status: %w", err)
	}
	return status, nil
}

// ListDroneStatuses lists all DroneStatus CRDs
func (c *Client) ListDroneStatuses(ctx context.Context) ([]*models.DroneStatus, error) {
	list, err := c.resource().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list DroneStatus: %w", err)
	}

	statuses := make([]*models.DroneStatus, 0, len(list.Items))
	for i := range list.Items {
		s, err := c.unstructuredToStatus(&list.Items[i])
		if err != nil {
			c.log.WithField("name", list.Items[i].GetName()).WithError(err).Warn("Skipping malformed DroneStatus")
			continue
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// DeleteDroneStatus deletes a DroneStatus CRD
func (c *Client) DeleteDroneStatus(ctx context.Context, serial string) error {
	name, err := ResourceName(serial)
	if err != nil {
		return err
	}

	err = c.resource().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", models.ErrCRDNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to delete DroneStatus: %w", err)
	}
	return nil
}

// UpdateStatus updates the status subresource
func (c *Client) UpdateStatus(ctx context.Context, serial string, phase string) error {
	name, err := ResourceName(serial)
	if err != nil {
		return err
	}

	// Get current resource
	obj, err := c.resource().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", models.ErrCRDNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to get DroneStatus for status update: %w", err)
	}

	status := map[string]interface{}{
		"phase":       phase,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}
	if err := unstructured.SetNestedMap(obj.Object, status, "status"); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	if _, err := c.resource().UpdateStatus(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// Publish stores every identified drone and sets its phase from health.
// Drones without a serial are skipped. The first error is returned after
// all drones have been attempted.
func (c *Client) Publish(ctx context.Context, statuses []models.DroneStatus) error {
	var errs []error
	for i := range statuses {
		s := &statuses[i]
		if s.Serial == "" {
			continue
		}
		if err := c.CreateOrUpdateWithRetry(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("drone %s: %w", s.Serial, err))
			continue
		}
		if err := c.UpdateStatus(ctx, s.Serial, PhaseFor(s.Health)); err != nil {
			c.log.WithField("serial", s.Serial).WithError(err).Warn("Failed to update status")
		}
	}
	return errors.Join(errs...)
}

// Helper functions

func (c *Client) statusToUnstructured(status *models.DroneStatus) (*unstructured.Unstructured, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}

	var spec map[string]interface{}
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, err
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": fmt.Sprintf("%s/%s", c.config.Kubernetes.CRDGroup, c.config.Kubernetes.CRDVersion),
			"kind":       Kind,
			"spec":       spec,
		},
	}, nil
}

func (c *Client) unstructuredToStatus(obj *unstructured.Unstructured) (*models.DroneStatus, error) {
	spec, found, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil || !found {
		return nil, fmt.Errorf("spec not found in unstructured object")
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	var status models.DroneStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// labelValue trims a string into a valid label value
func labelValue(s string) string {
	v := invalidLabelChars.ReplaceAllString(s, "-")
	if len(v) > validation.LabelValueMaxLength {
		v = v[:validation.LabelValueMaxLength]
	}
	return strings.Trim(v, "-_.")
}

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
