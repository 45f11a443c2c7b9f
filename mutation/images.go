package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/sirupsen/logrus"
)

// Display orders start at 1. Image operations on one parent are serialized
// so the read-compute-write of sibling orders never interleaves.

// Images returns the images of a parent ordered for display. An empty userID
// skips the ownership filter.
func (c *Coordinator) Images(ctx context.Context, userID, parentID string) ([]core.ImageAsset, error) {
	return c.siblings(ctx, c.data, userID, parentID)
}

func (c *Coordinator) siblings(ctx context.Context, data core.DataStore, userID, parentID string) ([]core.ImageAsset, error) {
	filters := []core.Filter{core.Eq(core.FieldParentID, parentID)}
	if userID != "" {
		filters = append(filters, core.Eq(core.FieldUserID, userID))
	}
	rows, err := data.Select(ctx, core.TableImages, core.Query{Filters: filters, OrderBy: core.FieldDisplayOrder})
	if err != nil {
		return nil, apperr.Backend("select images", err)
	}
	out := make([]core.ImageAsset, len(rows))
	for i, r := range rows {
		out[i] = core.ImageAssetFromResource(r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

// NextDisplayOrder returns the display order following the last image of
// the parent.
func (c *Coordinator) NextDisplayOrder(ctx context.Context, userID, parentID string) (int, error) {
	images, err := c.Images(ctx, userID, parentID)
	if err != nil {
		return 0, err
	}
	return nextOrder(images), nil
}

func nextOrder(images []core.ImageAsset) int {
	next := 1
	for _, img := range images {
		if img.DisplayOrder >= next {
			next = img.DisplayOrder + 1
		}
	}
	return next
}

// Parent returns the record that owns the images of parentID. Only types
// that keep an image list can be parents, and a user-scoped parent must
// belong to userID. Anything else is reported as not found.
func (c *Coordinator) Parent(ctx context.Context, userID, parentID string) (*core.Resource, error) {
	for _, rt := range core.ResourceTypes() {
		if !rt.HasImages {
			continue
		}
		r, err := c.data.SelectOne(ctx, rt.Table, parentID)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperr.Backend(fmt.Sprintf("select %s", rt.Table), err)
		}
		if rt.UserScoped && r.UserID != userID {
			break
		}
		return r, nil
	}
	return nil, fmt.Errorf("parent %s: %w", parentID, core.ErrNotFound)
}

// AddImage records an uploaded image. The first image of a parent becomes
// primary; later images never do. A zero DisplayOrder appends after the last
// sibling.
func (c *Coordinator) AddImage(ctx context.Context, asset core.ImageAsset) (*core.ImageAsset, error) {
	if asset.ParentID == "" {
		return nil, apperr.Validation("required", "%s is required", core.FieldParentID)
	}
	if asset.URL == "" {
		return nil, apperr.Validation("required", "%s is required", core.FieldURL)
	}
	if _, err := c.Parent(ctx, asset.UserID, asset.ParentID); err != nil {
		return nil, err
	}

	unlock := c.parents.Lock(asset.ParentID)
	defer unlock()

	siblings, err := c.siblings(ctx, c.data, asset.UserID, asset.ParentID)
	if err != nil {
		return nil, err
	}
	asset.ID = ""
	asset.IsPrimary = len(siblings) == 0
	if asset.DisplayOrder <= 0 {
		asset.DisplayOrder = nextOrder(siblings)
	}

	created, err := c.data.Insert(ctx, core.TableImages, asset.Resource())
	if err != nil {
		logrus.WithError(err).WithField("parent_id", asset.ParentID).Error("Failed to insert image")
		return nil, apperr.Backend("insert images", err)
	}
	c.notifyImages(asset.UserID)

	out := core.ImageAssetFromResource(*created)
	return &out, nil
}

// SetPrimary makes imageID the only primary image of its parent. Clearing
// the siblings and setting the new primary run in one transaction when the
// data store supports it; otherwise readers may briefly see no primary.
func (c *Coordinator) SetPrimary(ctx context.Context, userID, parentID, imageID string) error {
	unlock := c.parents.Lock(parentID)
	defer unlock()

	if _, err := c.image(ctx, c.data, userID, parentID, imageID); err != nil {
		return err
	}

	current := []core.Filter{core.Eq(core.FieldParentID, parentID), core.Eq(core.FieldIsPrimary, true)}
	if userID != "" {
		current = append(current, core.Eq(core.FieldUserID, userID))
	}
	swap := func(data core.DataStore) error {
		if _, err := data.UpdateWhere(ctx, core.TableImages, current, map[string]any{core.FieldIsPrimary: false}); err != nil {
			return fmt.Errorf("clear primary: %w", err)
		}
		if _, err := data.Update(ctx, core.TableImages, imageID, map[string]any{core.FieldIsPrimary: true}); err != nil {
			return fmt.Errorf("set primary: %w", err)
		}
		return nil
	}

	var err error
	if tx, ok := c.data.(core.Transactor); ok {
		err = tx.WithinTx(ctx, swap)
	} else {
		err = swap(c.data)
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"parent_id": parentID, "image_id": imageID}).Error("Failed to set primary image")
		return apperr.Backend("update images", err)
	}
	c.notifyImages(userID)
	return nil
}

// RemoveImage deletes an image row and, best effort, its file. Removing the
// primary image promotes the sibling with the lowest display order.
func (c *Coordinator) RemoveImage(ctx context.Context, userID, parentID, imageID string) error {
	unlock := c.parents.Lock(parentID)
	defer unlock()

	img, err := c.image(ctx, c.data, userID, parentID, imageID)
	if err != nil {
		return err
	}

	if img.StoragePath != "" {
		if err := c.objects.Remove(ctx, c.bucket, img.StoragePath); err != nil {
			logrus.WithError(err).WithField("path", img.StoragePath).Warn("Failed to remove image file")
		}
	}
	if err := c.data.Delete(ctx, core.TableImages, imageID); err != nil {
		logrus.WithError(err).WithField("image_id", imageID).Error("Failed to delete image")
		return apperr.Backend("delete images", err)
	}

	if img.IsPrimary {
		rest, err := c.siblings(ctx, c.data, userID, parentID)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			if _, err := c.data.Update(ctx, core.TableImages, rest[0].ID, map[string]any{core.FieldIsPrimary: true}); err != nil {
				return apperr.Backend("update images", err)
			}
		}
	}
	c.notifyImages(userID)
	return nil
}

// RemoveImages removes several images of one parent. Every id is attempted;
// failed ones are reported as a partial failure and the rest stay removed.
func (c *Coordinator) RemoveImages(ctx context.Context, userID, parentID string, imageIDs []string) (BulkResult, error) {
	var (
		result BulkResult
		errs   []error
	)
	for _, id := range imageIDs {
		result.Attempted++
		if err := c.RemoveImage(ctx, userID, parentID, id); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"parent_id": parentID, "image_id": id}).Warn("Failed to remove image")
			result.Failures = append(result.Failures, ItemFailure{ID: id, Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		result.Succeeded++
	}
	if len(errs) > 0 {
		return result, apperr.Partial("delete images", result.Succeeded, result.Attempted, errors.Join(errs...))
	}
	return result, nil
}

// ReorderImages assigns display orders 1..n following orderedIDs, which must
// name every image of the parent exactly once. Only changed rows are
// written; rows that fail to update are reported as a partial failure.
func (c *Coordinator) ReorderImages(ctx context.Context, userID, parentID string, orderedIDs []string) ([]core.ImageAsset, error) {
	unlock := c.parents.Lock(parentID)
	defer unlock()

	current, err := c.siblings(ctx, c.data, userID, parentID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]core.ImageAsset, len(current))
	for _, img := range current {
		byID[img.ID] = img
	}
	if len(orderedIDs) != len(current) {
		return nil, apperr.Validation("invalid_order", "expected %d image ids, got %d", len(current), len(orderedIDs))
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := byID[id]; !ok || seen[id] {
			return nil, apperr.Validation("invalid_order", "image %q is unknown or repeated", id)
		}
		seen[id] = true
	}

	var (
		errs      []error
		attempted int
	)
	for i, id := range orderedIDs {
		order := i + 1
		if byID[id].DisplayOrder == order {
			continue
		}
		attempted++
		if _, err := c.data.Update(ctx, core.TableImages, id, map[string]any{core.FieldDisplayOrder: order}); err != nil {
			logrus.WithError(err).WithField("image_id", id).Warn("Failed to reorder image")
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	c.notifyImages(userID)

	result, err := c.siblings(ctx, c.data, userID, parentID)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return result, apperr.Partial("update images", attempted-len(errs), attempted, errors.Join(errs...))
	}
	return result, nil
}

// ReplaceImage points the single image field of a record at a new file and
// removes the previous file best effort. It is used for record types that
// carry one image instead of an image list.
func (c *Coordinator) ReplaceImage(ctx context.Context, key cache.Key, id, url, path string) (*core.Resource, error) {
	rt, err := writableType(key)
	if err != nil {
		return nil, err
	}
	previous, err := c.owned(ctx, c.data, rt, key, id)
	if err != nil {
		return nil, err
	}

	updated, err := c.update(ctx, rt, key, id, map[string]any{
		core.FieldImageURL:  url,
		core.FieldImagePath: path,
	})
	if err != nil {
		return nil, err
	}
	c.invalidate(key, rt)

	if old := previous.Text(core.FieldImagePath); old != "" && old != path {
		if err := c.objects.Remove(ctx, c.bucket, old); err != nil {
			logrus.WithError(err).WithField("path", old).Warn("Failed to remove replaced image file")
		}
	}
	return updated, nil
}

func (c *Coordinator) image(ctx context.Context, data core.DataStore, userID, parentID, imageID string) (*core.ImageAsset, error) {
	r, err := data.SelectOne(ctx, core.TableImages, imageID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Backend("select images", err)
	}
	img := core.ImageAssetFromResource(*r)
	if img.ParentID != parentID || (userID != "" && img.UserID != userID) {
		return nil, fmt.Errorf("image %s: %w", imageID, core.ErrNotFound)
	}
	return &img, nil
}

// notifyImages tells invalidation subscribers that some image list of the
// user changed. Image lists are not cached, so there is no entry to drop.
func (c *Coordinator) notifyImages(userID string) {
	if c.store == nil {
		return
	}
	c.store.Invalidate(cache.Key{Type: core.TableImages, UserID: userID})
}
