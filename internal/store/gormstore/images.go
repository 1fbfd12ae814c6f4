package gormstore

import (
	"context"
	"encoding/json"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"gorm.io/gorm"
)

const errorSubjectImage = "image"

// ImageStore implements generation.ImageStore.
type ImageStore struct {
	db *gorm.DB
}

// NewImageStore returns an ImageStore backed by gorm.DB.
func NewImageStore(db *gorm.DB) *ImageStore {
	return &ImageStore{db: db}
}

type imageMetadata struct {
	Model string `json:"model,omitempty"`
}

// SaveImages inserts all images of one generation atomically.
func (store *ImageStore) SaveImages(ctx context.Context, images []generation.Image) error {
	if len(images) == 0 {
		return nil
	}
	rows := make([]UserImage, 0, len(images))
	for _, image := range images {
		metadata, err := json.Marshal(imageMetadata{Model: image.Model})
		if err != nil {
			return wrapStoreError(errorSubjectImage, errorCodeInvalid, err)
		}
		rows = append(rows, UserImage{
			ID:        image.ImageID,
			UserID:    image.UserID.String(),
			RequestID: image.RequestID,
			ChargeID:  image.ChargeID.String(),
			Style:     image.Style.String(),
			Prompt:    image.Prompt,
			ImageURL:  image.URL,
			Width:     image.Width,
			Height:    image.Height,
			Metadata:  datatypesJSON(string(metadata)),
			CreatedAt: unixToTime(image.CreatedUnixUTC),
		})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectImage, errorCodeInsert, err)
	}
	return nil
}

// ListImages returns the user's images, newest first.
func (store *ImageStore) ListImages(ctx context.Context, userID ledger.UserID, limit int) ([]generation.Image, error) {
	var rows []UserImage
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectImage, errorCodeList, err)
	}
	images := make([]generation.Image, 0, len(rows))
	for _, row := range rows {
		style, err := ledger.NewStyle(row.Style)
		if err != nil {
			return nil, wrapStoreError(errorSubjectImage, errorCodeInvalid, err)
		}
		var chargeID ledger.ChargeID
		if row.ChargeID != "" {
			chargeID, err = ledger.NewChargeID(row.ChargeID)
			if err != nil {
				return nil, wrapStoreError(errorSubjectImage, errorCodeInvalid, err)
			}
		}
		var metadata imageMetadata
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal(row.Metadata, &metadata)
		}
		images = append(images, generation.Image{
			ImageID:        row.ID,
			UserID:         userID,
			RequestID:      row.RequestID,
			ChargeID:       chargeID,
			Style:          style,
			Prompt:         row.Prompt,
			URL:            row.ImageURL,
			Width:          row.Width,
			Height:         row.Height,
			Model:          metadata.Model,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return images, nil
}
