package mutation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
)

func primaries(t *testing.T, c *Coordinator, parentID string) []string {
	t.Helper()
	images, err := c.Images(context.Background(), "u1", parentID)
	if err != nil {
		t.Fatalf("Images failed: %v", err)
	}
	var out []string
	for _, img := range images {
		if img.IsPrimary {
			out = append(out, img.ID)
		}
	}
	return out
}

// ensureParent creates a box owned by u1 under parentID unless u1 already
// owns a parent with that id.
func ensureParent(t *testing.T, c *Coordinator, parentID string) {
	t.Helper()
	if _, err := c.Parent(context.Background(), "u1", parentID); err == nil {
		return
	}
	if _, err := c.data.Insert(context.Background(), "boxes", core.Resource{ID: parentID, UserID: "u1", Name: parentID}); err != nil {
		t.Fatalf("Insert parent failed: %v", err)
	}
}

func addImages(t *testing.T, c *Coordinator, parentID string, n int) []core.ImageAsset {
	t.Helper()
	ensureParent(t, c, parentID)
	var out []core.ImageAsset
	for i := 0; i < n; i++ {
		img, err := c.AddImage(context.Background(), core.ImageAsset{
			ParentID:    parentID,
			UserID:      "u1",
			URL:         fmt.Sprintf("http://files/images/u1/%d.jpg", i),
			StoragePath: fmt.Sprintf("u1/%d.jpg", i),
		})
		if err != nil {
			t.Fatalf("AddImage failed: %v", err)
		}
		out = append(out, *img)
	}
	return out
}

func TestAddImage_FirstIsPrimary(t *testing.T) {
	c, _, _ := setup(t)
	images := addImages(t, c, "box-1", 3)

	if !images[0].IsPrimary || images[1].IsPrimary || images[2].IsPrimary {
		t.Errorf("Expected only the first image primary, got %v %v %v", images[0].IsPrimary, images[1].IsPrimary, images[2].IsPrimary)
	}
	for i, img := range images {
		if img.DisplayOrder != i+1 {
			t.Errorf("Expected display order %d, got %d", i+1, img.DisplayOrder)
		}
	}
}

func TestAddImage_KeepsExplicitOrderButNeverPrimary(t *testing.T) {
	c, _, _ := setup(t)
	addImages(t, c, "box-1", 1)

	img, err := c.AddImage(context.Background(), core.ImageAsset{ParentID: "box-1", UserID: "u1", URL: "u", DisplayOrder: 7, IsPrimary: true})
	if err != nil {
		t.Fatalf("AddImage failed: %v", err)
	}
	if img.IsPrimary || img.DisplayOrder != 7 {
		t.Errorf("Unexpected asset: %+v", img)
	}
	if next, _ := c.NextDisplayOrder(context.Background(), "u1", "box-1"); next != 8 {
		t.Errorf("Expected next order 8, got %d", next)
	}
}

func TestAddImage_Validation(t *testing.T) {
	c, data, _ := setup(t)
	if _, err := c.AddImage(context.Background(), core.ImageAsset{URL: "u"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
	if data.count("insert", core.TableImages) != 0 {
		t.Error("Expected no insert")
	}
}

func TestAddImage_RequiresOwnedParent(t *testing.T) {
	c, data, _ := setup(t)
	ctx := context.Background()
	ensureParent(t, c, "box-1")

	tests := []struct {
		name     string
		userID   string
		parentID string
	}{
		{"missing parent", "u1", "does-not-exist"},
		{"someone else's parent", "u2", "box-1"},
		{"anonymous", "", "box-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddImage(ctx, core.ImageAsset{ParentID: tt.parentID, UserID: tt.userID, URL: "http://x/a.jpg"})
			if !errors.Is(err, core.ErrNotFound) {
				t.Errorf("Expected not found, got %v", err)
			}
		})
	}
	if data.count("insert", core.TableImages) != 0 {
		t.Errorf("Expected no image insert, got %d", data.count("insert", core.TableImages))
	}
}

func TestSetPrimary_LeavesOtherUsersImages(t *testing.T) {
	c, data, _ := setup(t)
	ctx := context.Background()
	mine := addImages(t, c, "box-1", 2)

	// A row of another user that shares the parent id, as a buggy or
	// hostile client could have written it before parents were checked.
	theirs, err := data.Store.Insert(ctx, core.TableImages, core.ImageAsset{ParentID: "box-1", UserID: "u2", URL: "u", IsPrimary: true}.Resource())
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SetPrimary(ctx, "u1", "box-1", mine[1].ID); err != nil {
		t.Fatalf("SetPrimary failed: %v", err)
	}
	if got := primaries(t, c, "box-1"); len(got) != 1 || got[0] != mine[1].ID {
		t.Errorf("Expected %s as the only primary, got %v", mine[1].ID, got)
	}
	row, err := data.SelectOne(ctx, core.TableImages, theirs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !core.ImageAssetFromResource(*row).IsPrimary {
		t.Error("Expected u2's primary image untouched")
	}
}

func TestPrimaryExclusivity(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()
	images := addImages(t, c, "battle-1", 4)

	steps := []struct {
		name string
		run  func() error
	}{
		{"set second", func() error { return c.SetPrimary(ctx, "u1", "battle-1", images[1].ID) }},
		{"set fourth", func() error { return c.SetPrimary(ctx, "u1", "battle-1", images[3].ID) }},
		{"set fourth again", func() error { return c.SetPrimary(ctx, "u1", "battle-1", images[3].ID) }},
		{"remove primary", func() error { return c.RemoveImage(ctx, "u1", "battle-1", images[3].ID) }},
		{"remove other", func() error { return c.RemoveImage(ctx, "u1", "battle-1", images[2].ID) }},
		{"add more", func() error { addImages(t, c, "battle-1", 1); return nil }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if p := primaries(t, c, "battle-1"); len(p) != 1 {
			t.Fatalf("%s: expected exactly one primary, got %v", step.name, p)
		}
	}

	if p := primaries(t, c, "battle-1"); p[0] != images[0].ID {
		t.Errorf("Expected lowest display order promoted, got %s", p[0])
	}
}

func TestSetPrimary_MissingImageKeepsPrimary(t *testing.T) {
	c, data, _ := setup(t)
	ctx := context.Background()
	images := addImages(t, c, "box-1", 2)

	if err := data.Store.Delete(ctx, core.TableImages, images[1].ID); err != nil {
		t.Fatal(err)
	}
	err := c.SetPrimary(ctx, "u1", "box-1", images[1].ID)
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if p := primaries(t, c, "box-1"); len(p) != 1 || p[0] != images[0].ID {
		t.Errorf("Expected original primary kept, got %v", p)
	}
}

func TestSetPrimary_WrongParent(t *testing.T) {
	c, _, _ := setup(t)
	images := addImages(t, c, "box-1", 1)
	addImages(t, c, "box-2", 1)

	err := c.SetPrimary(context.Background(), "u1", "box-2", images[0].ID)
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestRemoveImage_FileFailureIsBestEffort(t *testing.T) {
	c, _, _ := setup(t)
	objects := c.objects.(*failingObjects)
	objects.removeErr = errBackend
	images := addImages(t, c, "box-1", 1)

	if err := c.RemoveImage(context.Background(), "u1", "box-1", images[0].ID); err != nil {
		t.Fatalf("RemoveImage failed: %v", err)
	}
	if len(objects.removed) != 1 || objects.removed[0] != "u1/0.jpg" {
		t.Errorf("Expected file removal attempt, got %v", objects.removed)
	}
	if p := primaries(t, c, "box-1"); len(p) != 0 {
		t.Errorf("Expected no primary left, got %v", p)
	}
}

func TestRemoveImages_Partial(t *testing.T) {
	c, data, _ := setup(t)
	ctx := context.Background()
	images := addImages(t, c, "box-1", 4)
	data.failOn = func(op, table, id string) error {
		if op == "delete" && id == images[1].ID {
			return errBackend
		}
		return nil
	}

	result, err := c.RemoveImages(ctx, "u1", "box-1", []string{images[0].ID, images[1].ID, images[2].ID})
	if apperr.KindOf(err) != apperr.KindPartial {
		t.Fatalf("Expected partial failure, got %v", err)
	}
	if result.Attempted != 3 || result.Succeeded != 2 || len(result.Failures) != 1 || result.Failures[0].ID != images[1].ID {
		t.Errorf("Unexpected result: %+v", result)
	}

	left, _ := c.Images(ctx, "u1", "box-1")
	if len(left) != 2 || left[0].ID != images[1].ID || left[1].ID != images[3].ID {
		t.Fatalf("Expected the failed and untouched images left, got %+v", left)
	}
	if p := primaries(t, c, "box-1"); len(p) != 1 {
		t.Errorf("Expected exactly one primary, got %v", p)
	}
}

func TestReorderImages(t *testing.T) {
	c, data, _ := setup(t)
	ctx := context.Background()
	images := addImages(t, c, "box-1", 3)

	order := []string{images[2].ID, images[0].ID, images[1].ID}
	before := data.count("update", core.TableImages)
	got, err := c.ReorderImages(ctx, "u1", "box-1", order)
	if err != nil {
		t.Fatalf("ReorderImages failed: %v", err)
	}
	for i, img := range got {
		if img.ID != order[i] || img.DisplayOrder != i+1 {
			t.Errorf("Position %d: got %s order %d", i, img.ID, img.DisplayOrder)
		}
	}
	if n := data.count("update", core.TableImages) - before; n != 3 {
		t.Errorf("Expected 3 writes, got %d", n)
	}
	if p := primaries(t, c, "box-1"); len(p) != 1 || p[0] != images[0].ID {
		t.Errorf("Expected primary unchanged by reorder, got %v", p)
	}
}

func TestReorderImages_RejectsIncompleteOrder(t *testing.T) {
	c, _, _ := setup(t)
	images := addImages(t, c, "box-1", 2)

	for _, order := range [][]string{
		{images[0].ID},
		{images[0].ID, images[0].ID},
		{images[0].ID, "other"},
	} {
		_, err := c.ReorderImages(context.Background(), "u1", "box-1", order)
		if apperr.CodeOf(err) != "invalid_order" {
			t.Errorf("Order %v: expected invalid_order, got %v", order, err)
		}
	}
}

func TestReplaceImage_RemovesPreviousFile(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()
	key := cache.KeyFor(core.TypeGames, "u1")
	objects := c.objects.(*failingObjects)

	g, _ := c.Create(ctx, key, map[string]any{core.FieldName: "Necromunda"})
	if _, err := c.ReplaceImage(ctx, key, g.ID, "http://files/images/a.png", "u1/a.png"); err != nil {
		t.Fatalf("ReplaceImage failed: %v", err)
	}
	updated, err := c.ReplaceImage(ctx, key, g.ID, "http://files/images/b.png", "u1/b.png")
	if err != nil {
		t.Fatalf("ReplaceImage failed: %v", err)
	}
	if updated.Text(core.FieldImageURL) != "http://files/images/b.png" {
		t.Errorf("Unexpected image url %q", updated.Text(core.FieldImageURL))
	}
	if len(objects.removed) != 1 || objects.removed[0] != "u1/a.png" {
		t.Errorf("Expected previous file removed, got %v", objects.removed)
	}
}
