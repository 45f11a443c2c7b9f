package core

import "time"

// ImageAsset is one uploaded image attached to a parent record. At most one
// asset per parent is primary.
type ImageAsset struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id"`
	UserID       string    `json:"user_id,omitempty"`
	Name         string    `json:"name"`
	MIME         string    `json:"mime"`
	URL          string    `json:"url"`
	StoragePath  string    `json:"storage_path"`
	DisplayOrder int       `json:"display_order"`
	IsPrimary    bool      `json:"is_primary"`
	CreatedAt    time.Time `json:"created_at"`
}

// Image table columns, and the single-image columns carried by records that
// do not support multiple images.
const (
	FieldParentID     = "parent_id"
	FieldURL          = "url"
	FieldStoragePath  = "storage_path"
	FieldMIME         = "mime"
	FieldDisplayOrder = "display_order"
	FieldIsPrimary    = "is_primary"

	FieldImageURL  = "image_url"
	FieldImagePath = "image_path"
)

// Resource converts the asset to a row of the images table.
func (a ImageAsset) Resource() Resource {
	return Resource{
		ID:     a.ID,
		UserID: a.UserID,
		Name:   a.Name,
		Fields: map[string]any{
			FieldParentID:     a.ParentID,
			FieldURL:          a.URL,
			FieldStoragePath:  a.StoragePath,
			FieldMIME:         a.MIME,
			FieldDisplayOrder: a.DisplayOrder,
			FieldIsPrimary:    a.IsPrimary,
		},
		CreatedAt: a.CreatedAt,
	}
}

// ImageAssetFromResource reads an images table row.
func ImageAssetFromResource(r Resource) ImageAsset {
	return ImageAsset{
		ID:           r.ID,
		ParentID:     r.Text(FieldParentID),
		UserID:       r.UserID,
		Name:         r.Name,
		MIME:         r.Text(FieldMIME),
		URL:          r.Text(FieldURL),
		StoragePath:  r.Text(FieldStoragePath),
		DisplayOrder: r.Int(FieldDisplayOrder),
		IsPrimary:    r.Bool(FieldIsPrimary),
		CreatedAt:    r.CreatedAt,
	}
}
