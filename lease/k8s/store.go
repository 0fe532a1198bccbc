package k8s

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
)

// Compile-time check that Store implements lease.Store.
var _ lease.Store = (*Store)(nil)

const (
	defaultNamePrefix       = "taskhost-"
	defaultAnnotationPrefix = "taskhost.xraph.com/"

	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "taskhost"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// Store implements lease.Store on coordination/v1 Lease objects.
type Store struct {
	client           kubernetes.Interface
	namespace        string
	namePrefix       string
	annotationPrefix string
	logger           *slog.Logger
	now              func() time.Time
}

// New creates a Kubernetes lease store. The clientset and namespace are
// required.
func New(client kubernetes.Interface, namespace string, opts ...Option) *Store {
	s := &Store{
		client:           client,
		namespace:        namespace,
		namePrefix:       defaultNamePrefix,
		annotationPrefix: defaultAnnotationPrefix,
		logger:           slog.Default(),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// lease.Store
// ──────────────────────────────────────────────────

// AcquireLease creates the Lease object for name, or takes over an expired
// one. A write conflict means another host won the race and is reported as
// taskhost.ErrLeaseBusy.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (*lease.Lease, error) {
	leases := s.client.CoordinationV1().Leases(s.namespace)
	objName := s.objectName(name)
	now := s.now()

	existing, err := leases.Get(ctx, objName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		obj := s.newLeaseObject(objName, name)
		s.stamp(obj, id.NewLeaseID(), holder, now, ttl)

		created, createErr := leases.Create(ctx, obj, metav1.CreateOptions{})
		if createErr != nil {
			if apierrors.IsAlreadyExists(createErr) {
				return nil, taskhost.ErrLeaseBusy // race: someone else created it first
			}
			return nil, fmt.Errorf("taskhost/k8s: create lease: %w", createErr)
		}
		return s.fromObject(created)
	}
	if err != nil {
		return nil, fmt.Errorf("taskhost/k8s: get lease: %w", err)
	}

	if !s.expired(existing, now) {
		return nil, taskhost.ErrLeaseBusy
	}

	s.stamp(existing, id.NewLeaseID(), holder, now, ttl)
	updated, err := leases.Update(ctx, existing, metav1.UpdateOptions{})
	if err != nil {
		if apierrors.IsConflict(err) {
			return nil, taskhost.ErrLeaseBusy
		}
		return nil, fmt.Errorf("taskhost/k8s: update lease (acquire): %w", err)
	}
	return s.fromObject(updated)
}

// RenewLease extends a matching, unexpired lease. Write conflicts are
// retried against the latest object.
func (s *Store) RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	leases := s.client.CoordinationV1().Leases(s.namespace)
	objName := s.objectName(name)

	var renewed *coordinationv1.Lease
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		obj, err := leases.Get(ctx, objName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return taskhost.ErrLeaseDenied
		}
		if err != nil {
			return err
		}

		now := s.now()
		if obj.Annotations[s.annotationPrefix+"lease-id"] != leaseID.String() || s.expired(obj, now) {
			return taskhost.ErrLeaseDenied
		}

		rt := metav1.NewMicroTime(now)
		sec := durationSeconds(ttl)
		obj.Spec.RenewTime = &rt
		obj.Spec.LeaseDurationSeconds = &sec

		renewed, err = leases.Update(ctx, obj, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		if errors.Is(err, taskhost.ErrLeaseDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("taskhost/k8s: renew lease: %w", err)
	}
	return s.fromObject(renewed)
}

// ReleaseLease deletes the Lease object if leaseID still holds it. The
// delete is guarded by the observed resourceVersion, so a takeover between
// the read and the delete is left intact.
func (s *Store) ReleaseLease(ctx context.Context, name string, leaseID id.LeaseID) error {
	leases := s.client.CoordinationV1().Leases(s.namespace)
	objName := s.objectName(name)

	obj, err := leases.Get(ctx, objName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("taskhost/k8s: release get lease: %w", err)
	}
	if obj.Annotations[s.annotationPrefix+"lease-id"] != leaseID.String() {
		return nil
	}

	if err := s.deleteObject(ctx, obj); err != nil {
		return fmt.Errorf("taskhost/k8s: release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease on record for name.
func (s *Store) GetLease(ctx context.Context, name string) (*lease.Lease, error) {
	obj, err := s.client.CoordinationV1().Leases(s.namespace).Get(ctx, s.objectName(name), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, taskhost.ErrLeaseNotFound
		}
		return nil, fmt.Errorf("taskhost/k8s: get lease: %w", err)
	}
	if obj.Annotations[s.annotationPrefix+"lease-id"] == "" {
		return nil, taskhost.ErrLeaseNotFound
	}
	return s.fromObject(obj)
}

// CleanupLeases deletes every expired Lease object managed by taskhost in
// the namespace.
func (s *Store) CleanupLeases(ctx context.Context) (int64, error) {
	list, err := s.client.CoordinationV1().Leases(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedByLabel + "=" + managedByValue,
	})
	if err != nil {
		return 0, fmt.Errorf("taskhost/k8s: list leases: %w", err)
	}

	now := s.now()
	var n int64
	for i := range list.Items {
		obj := &list.Items[i]
		if !strings.HasPrefix(obj.Name, s.namePrefix) || !s.expired(obj, now) {
			continue
		}
		if err := s.deleteObject(ctx, obj); err != nil {
			s.logger.Warn("k8s lease cleanup: delete failed",
				slog.String("lease", obj.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// objectName maps a lock name to a valid Lease object name. Names that are
// not already valid DNS subdomains are sanitized and suffixed with a hash
// so distinct lock names never collide.
func (s *Store) objectName(name string) string {
	candidate := s.namePrefix + name
	if len(validation.IsDNS1123Subdomain(candidate)) == 0 {
		return candidate
	}

	sum := sha256.Sum256([]byte(name))
	suffix := "-" + hex.EncodeToString(sum[:])[:10]

	clean := strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(name), "-"), "-.")
	base := s.namePrefix + clean
	if limit := validation.DNS1123SubdomainMaxLength - len(suffix); len(base) > limit {
		base = strings.TrimRight(base[:limit], "-.")
	}
	return base + suffix
}

func (s *Store) newLeaseObject(objName, name string) *coordinationv1.Lease {
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      objName,
			Namespace: s.namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
			},
			Annotations: map[string]string{
				s.annotationPrefix + "name": name,
			},
		},
	}
}

// stamp writes a fresh lease into obj.
func (s *Store) stamp(obj *coordinationv1.Lease, leaseID id.LeaseID, holder string, now time.Time, ttl time.Duration) {
	if obj.Annotations == nil {
		obj.Annotations = make(map[string]string)
	}
	obj.Annotations[s.annotationPrefix+"lease-id"] = leaseID.String()

	mt := metav1.NewMicroTime(now)
	sec := durationSeconds(ttl)
	obj.Spec.HolderIdentity = &holder
	obj.Spec.LeaseDurationSeconds = &sec
	obj.Spec.AcquireTime = &mt
	obj.Spec.RenewTime = &mt
}

func (s *Store) deleteObject(ctx context.Context, obj *coordinationv1.Lease) error {
	rv := obj.ResourceVersion
	uid := obj.UID
	err := s.client.CoordinationV1().Leases(s.namespace).Delete(ctx, obj.Name, metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{UID: &uid, ResourceVersion: &rv},
	})
	if apierrors.IsNotFound(err) || apierrors.IsConflict(err) {
		return nil
	}
	return err
}

// expiresAt returns renew time plus duration, or the zero time for a lease
// missing either field.
func expiresAt(obj *coordinationv1.Lease) time.Time {
	if obj.Spec.RenewTime == nil || obj.Spec.LeaseDurationSeconds == nil {
		return time.Time{}
	}
	return obj.Spec.RenewTime.Time.Add(time.Duration(*obj.Spec.LeaseDurationSeconds) * time.Second)
}

func (s *Store) expired(obj *coordinationv1.Lease, now time.Time) bool {
	return !expiresAt(obj).After(now)
}

func (s *Store) fromObject(obj *coordinationv1.Lease) (*lease.Lease, error) {
	raw := obj.Annotations[s.annotationPrefix+"lease-id"]
	leaseID, err := id.ParseLeaseID(raw)
	if err != nil {
		return nil, fmt.Errorf("taskhost/k8s: parse lease id %q: %w", raw, err)
	}

	l := &lease.Lease{
		Name:      obj.Annotations[s.annotationPrefix+"name"],
		ID:        leaseID,
		ExpiresAt: expiresAt(obj).UTC(),
	}
	if obj.Spec.HolderIdentity != nil {
		l.Holder = *obj.Spec.HolderIdentity
	}
	if obj.Spec.AcquireTime != nil {
		l.AcquiredAt = obj.Spec.AcquireTime.Time.UTC()
	}
	return l, nil
}

// durationSeconds rounds d up to whole seconds, with a floor of one.
func durationSeconds(d time.Duration) int32 {
	sec := math.Ceil(d.Seconds())
	if sec < 1 {
		sec = 1
	}
	if sec > math.MaxInt32 {
		sec = math.MaxInt32
	}
	return int32(sec)
}
