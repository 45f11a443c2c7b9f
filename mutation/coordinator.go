// Package mutation applies create, update and delete operations to the data
// collaborator while keeping caller-held lists and the shared ResourceStore
// consistent with the outcome.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// PendingMutation is a change that has been applied locally and is waiting
// for the backend.
type PendingMutation struct {
	ID        string
	Kind      Kind
	Type      string
	TargetID  string
	Payload   map[string]any
	StartedAt time.Time

	snapshots map[*LocalList][]core.Resource
}

type (
	Coordinator struct {
		data    core.DataStore
		objects core.ObjectStore
		store   *cache.ResourceStore
		bucket  string

		listsMu sync.Mutex
		lists   map[cache.Key]map[*LocalList]struct{}

		pendingMu sync.Mutex
		pending   map[string]*PendingMutation

		parents keyedMutex
	}

	Option func(*Coordinator)
)

// WithBucket sets the object-storage bucket holding image files.
func WithBucket(bucket string) Option {
	return func(c *Coordinator) { c.bucket = bucket }
}

// New creates a Coordinator.
func New(data core.DataStore, objects core.ObjectStore, store *cache.ResourceStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		data:    data,
		objects: objects,
		store:   store,
		bucket:  "images",
		lists:   make(map[cache.Key]map[*LocalList]struct{}),
		pending: make(map[string]*PendingMutation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bucket returns the bucket image files are stored in.
func (c *Coordinator) Bucket() string {
	return c.bucket
}

// Track registers a held list for key. Mutations of key are reflected in it
// until the returned function is called.
func (c *Coordinator) Track(key cache.Key, l *LocalList) (untrack func()) {
	c.listsMu.Lock()
	defer c.listsMu.Unlock()
	set, ok := c.lists[key]
	if !ok {
		set = make(map[*LocalList]struct{})
		c.lists[key] = set
	}
	set[l] = struct{}{}

	return func() {
		c.listsMu.Lock()
		defer c.listsMu.Unlock()
		delete(c.lists[key], l)
		if len(c.lists[key]) == 0 {
			delete(c.lists, key)
		}
	}
}

func (c *Coordinator) tracked(key cache.Key) []*LocalList {
	c.listsMu.Lock()
	defer c.listsMu.Unlock()
	out := make([]*LocalList, 0, len(c.lists[key]))
	for l := range c.lists[key] {
		out = append(out, l)
	}
	return out
}

// Pending returns the mutations currently waiting for the backend.
func (c *Coordinator) Pending() []PendingMutation {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make([]PendingMutation, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, PendingMutation{
			ID:        p.ID,
			Kind:      p.Kind,
			Type:      p.Type,
			TargetID:  p.TargetID,
			Payload:   p.Payload,
			StartedAt: p.StartedAt,
		})
	}
	return out
}

// begin records a pending mutation and snapshots the held lists it touches.
func (c *Coordinator) begin(kind Kind, key cache.Key, targetID string, payload map[string]any) *PendingMutation {
	p := &PendingMutation{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Type:      key.Type,
		TargetID:  targetID,
		Payload:   payload,
		StartedAt: time.Now(),
		snapshots: make(map[*LocalList][]core.Resource),
	}
	for _, l := range c.tracked(key) {
		p.snapshots[l] = l.snapshot()
	}

	c.pendingMu.Lock()
	c.pending[p.ID] = p
	c.pendingMu.Unlock()
	return p
}

// finish forgets p, restoring its snapshots first when the backend failed.
func (c *Coordinator) finish(p *PendingMutation, failed bool) {
	if failed {
		for l, items := range p.snapshots {
			l.restore(items)
		}
	}
	c.pendingMu.Lock()
	delete(c.pending, p.ID)
	c.pendingMu.Unlock()
}

// invalidate drops the cache entries for key and every dependent type.
func (c *Coordinator) invalidate(key cache.Key, rt core.ResourceType) {
	if c.store == nil {
		return
	}
	c.store.Invalidate(key)
	for _, dep := range rt.Dependents {
		c.store.Invalidate(cache.KeyFor(dep, key.UserID))
	}
}

func writableType(key cache.Key) (core.ResourceType, error) {
	rt, ok := core.LookupType(key.Type)
	if !ok {
		return rt, apperr.Validation("unknown_type", "unknown resource type %q", key.Type)
	}
	if rt.ReadOnly {
		return rt, apperr.Validation("read_only", "resource type %q is read only", key.Type)
	}
	if rt.UserScoped && key.UserID == "" {
		return rt, apperr.Validation("no_identity", "signing in is required to change %s", key.Type)
	}
	return rt, nil
}

// identityFields cannot be changed once a row exists: the id names the row
// and the owner decides whose collection it belongs to.
var identityFields = []string{core.FieldID, core.FieldUserID}

func checkPayload(rt core.ResourceType, payload map[string]any, creating bool) error {
	if !creating {
		for _, field := range identityFields {
			if _, present := payload[field]; present {
				return apperr.Validation("immutable", "%s cannot be changed", field)
			}
		}
	}
	for _, field := range rt.Required {
		v, present := payload[field]
		if !present && !creating {
			continue
		}
		if strings.TrimSpace(core.AsString(v)) == "" {
			return apperr.Validation("required", "%s is required", field)
		}
	}
	return nil
}

// owned fetches a row, hiding rows of user-scoped types that belong to
// someone else.
func (c *Coordinator) owned(ctx context.Context, data core.DataStore, rt core.ResourceType, key cache.Key, id string) (*core.Resource, error) {
	r, err := data.SelectOne(ctx, rt.Table, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Backend(fmt.Sprintf("select %s", rt.Table), err)
	}
	if rt.UserScoped && r.UserID != key.UserID {
		return nil, fmt.Errorf("%s %s: %w", rt.Table, id, core.ErrNotFound)
	}
	return r, nil
}

// Create inserts a new row. Held lists and the cache only change after the
// backend accepted it.
func (c *Coordinator) Create(ctx context.Context, key cache.Key, payload map[string]any) (*core.Resource, error) {
	rt, err := writableType(key)
	if err != nil {
		return nil, err
	}
	if err := checkPayload(rt, payload, true); err != nil {
		return nil, err
	}

	// The owner always comes from the key, never from the payload.
	var r core.Resource
	r.Apply(payload)
	r.UserID = ""
	if rt.UserScoped {
		r.UserID = key.UserID
	}

	p := c.begin(KindCreate, key, "", payload)
	created, err := c.data.Insert(ctx, rt.Table, r)
	if err != nil {
		c.finish(p, true)
		logrus.WithError(err).WithField("type", key.Type).Error("Failed to create resource")
		return nil, apperr.Backend(fmt.Sprintf("insert %s", rt.Table), err)
	}
	c.finish(p, false)

	for _, l := range c.tracked(key) {
		l.add(*created)
	}
	c.invalidate(key, rt)

	logrus.WithFields(logrus.Fields{"type": key.Type, "id": created.ID}).Info("Resource created")
	return created, nil
}

// Update merges payload into the row with the given id. Held lists change
// immediately and are restored if the backend rejects the change.
func (c *Coordinator) Update(ctx context.Context, key cache.Key, id string, payload map[string]any) (*core.Resource, error) {
	rt, err := writableType(key)
	if err != nil {
		return nil, err
	}
	updated, err := c.update(ctx, rt, key, id, payload)
	if err != nil {
		return nil, err
	}
	c.invalidate(key, rt)
	return updated, nil
}

func (c *Coordinator) update(ctx context.Context, rt core.ResourceType, key cache.Key, id string, payload map[string]any) (*core.Resource, error) {
	if err := checkPayload(rt, payload, false); err != nil {
		return nil, err
	}

	p := c.begin(KindUpdate, key, id, payload)
	for l := range p.snapshots {
		l.patch(id, payload)
	}

	if _, err := c.owned(ctx, c.data, rt, key, id); err != nil {
		c.finish(p, true)
		return nil, err
	}
	updated, err := c.data.Update(ctx, rt.Table, id, payload)
	if err != nil {
		c.finish(p, true)
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		logrus.WithError(err).WithFields(logrus.Fields{"type": key.Type, "id": id}).Error("Failed to update resource")
		return nil, apperr.Backend(fmt.Sprintf("update %s", rt.Table), err)
	}
	c.finish(p, false)

	for _, l := range c.tracked(key) {
		l.put(*updated)
	}
	return updated, nil
}

// Delete removes the row with the given id. Files of dependent images are
// removed first on a best-effort basis; the row itself must be deleted for
// the call to succeed.
func (c *Coordinator) Delete(ctx context.Context, key cache.Key, id string) error {
	rt, err := writableType(key)
	if err != nil {
		return err
	}

	p := c.begin(KindDelete, key, id, nil)
	for l := range p.snapshots {
		l.remove(id)
	}

	row, err := c.owned(ctx, c.data, rt, key, id)
	if err != nil {
		c.finish(p, true)
		return err
	}
	c.removeDependentImages(ctx, row)

	if err := c.data.Delete(ctx, rt.Table, id); err != nil {
		c.finish(p, true)
		if errors.Is(err, core.ErrNotFound) {
			return err
		}
		logrus.WithError(err).WithFields(logrus.Fields{"type": key.Type, "id": id}).Error("Failed to delete resource")
		return apperr.Backend(fmt.Sprintf("delete %s", rt.Table), err)
	}
	c.finish(p, false)
	c.invalidate(key, rt)

	logrus.WithFields(logrus.Fields{"type": key.Type, "id": id}).Info("Resource deleted")
	return nil
}

// removeDependentImages deletes the image rows and files owned by row. Each
// failure is logged and skipped.
func (c *Coordinator) removeDependentImages(ctx context.Context, row *core.Resource) {
	log := logrus.WithField("parent_id", row.ID)

	if path := row.Text(core.FieldImagePath); path != "" {
		if err := c.objects.Remove(ctx, c.bucket, path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to remove image file")
		}
	}

	images, err := c.data.Select(ctx, core.TableImages, core.Query{
		Filters: []core.Filter{core.Eq(core.FieldParentID, row.ID)},
	})
	if err != nil {
		log.WithError(err).Warn("Failed to list dependent images")
		return
	}
	for _, img := range images {
		asset := core.ImageAssetFromResource(img)
		if asset.StoragePath != "" {
			if err := c.objects.Remove(ctx, c.bucket, asset.StoragePath); err != nil {
				log.WithError(err).WithField("path", asset.StoragePath).Warn("Failed to remove image file")
			}
		}
		if err := c.data.Delete(ctx, core.TableImages, asset.ID); err != nil {
			log.WithError(err).WithField("image_id", asset.ID).Warn("Failed to delete image row")
		}
	}
}

// FindOrCreate returns the resource whose name matches naturalKey ignoring
// case, creating it when none exists. Two concurrent calls with the same
// never-seen key may both create a row; the backend does not enforce
// uniqueness of names.
func (c *Coordinator) FindOrCreate(ctx context.Context, key cache.Key, naturalKey string) (*core.Resource, error) {
	name := strings.TrimSpace(naturalKey)
	if name == "" {
		return nil, apperr.Validation("required", "%s is required", core.FieldName)
	}
	if _, err := writableType(key); err != nil {
		return nil, err
	}

	existing, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.EqualFold(name) {
			return &r, nil
		}
	}
	return c.Create(ctx, key, map[string]any{core.FieldName: name})
}

type (
	// ItemFailure is one failed item of a bulk operation.
	ItemFailure struct {
		ID  string
		Err error
	}

	BulkResult struct {
		Attempted int
		Succeeded int
		Failures  []ItemFailure
	}
)

// UpdateMany applies payload to every id in order. Items that fail are
// logged and skipped; items already updated are kept. The error is a
// partial_failure when any item failed.
func (c *Coordinator) UpdateMany(ctx context.Context, key cache.Key, ids []string, payload map[string]any) (BulkResult, error) {
	var result BulkResult
	rt, err := writableType(key)
	if err != nil {
		return result, err
	}
	if err := checkPayload(rt, payload, false); err != nil {
		return result, err
	}

	var errs []error
	for _, id := range ids {
		result.Attempted++
		if _, err := c.update(ctx, rt, key, id, payload); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"type": key.Type, "id": id}).Warn("Bulk update item failed")
			result.Failures = append(result.Failures, ItemFailure{ID: id, Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		result.Succeeded++
	}
	if result.Succeeded > 0 {
		c.invalidate(key, rt)
	}

	if len(errs) > 0 {
		return result, apperr.Partial(fmt.Sprintf("update %s", rt.Table), result.Succeeded, result.Attempted, errors.Join(errs...))
	}
	return result, nil
}
