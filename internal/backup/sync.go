package backup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

// EnrollmentRecord is the shareable part of a credential. It carries no
// usage data.
type EnrollmentRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PublicID    []byte    `json:"public_id"`
	EnrolledAt  time.Time `json:"enrolled_at"`
	Active      bool      `json:"active"`
}

// CredentialImporter adds a credential unless its public id is already
// enrolled. Satisfied by *registry.Registry.
type CredentialImporter interface {
	Import(ctx context.Context, cred *schema.Credential) (bool, error)
}

// SyncResult summarises an enrollment pull.
type SyncResult struct {
	Seen     int `json:"seen"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
}

// PushEnrollment publishes a credential's enrollment record.
func (m *Manager) PushEnrollment(ctx context.Context, cred *schema.Credential) error {
	rec := EnrollmentRecord{
		ID:          cred.ID,
		Name:        cred.Name,
		Description: cred.Description,
		PublicID:    cred.PublicID,
		EnrolledAt:  cred.EnrolledAt.UTC(),
		Active:      cred.Active,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode enrollment").WithCause(err)
	}
	err = m.blobs.PutBlob(ctx, &store.Blob{
		Collection: CollectionEnrollments,
		ID:         cred.ID,
		Data:       data,
		CreatedAt:  m.now().UTC(),
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "push enrollment").WithCause(err)
	}
	return nil
}

// PullEnrollments imports every published enrollment whose key is not yet
// enrolled locally. Unreadable records are skipped and counted.
func (m *Manager) PullEnrollments(ctx context.Context, importer CredentialImporter) (SyncResult, error) {
	var res SyncResult
	infos, err := m.blobs.ListBlobs(ctx, CollectionEnrollments)
	if err != nil {
		return res, schema.NewError(schema.ErrCodeStore, "list enrollments").WithCause(err)
	}

	for _, info := range infos {
		res.Seen++
		cred, err := m.loadEnrollment(ctx, info.ID)
		if err != nil {
			res.Invalid++
			m.logger.WarnContext(ctx, "skipping unreadable enrollment",
				slog.String("enrollment_id", info.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		imported, err := importer.Import(logging.WithCredentialID(ctx, cred.ID), cred)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeValidation) {
				res.Invalid++
				continue
			}
			return res, err
		}
		if imported {
			res.Imported++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func (m *Manager) loadEnrollment(ctx context.Context, id string) (*schema.Credential, error) {
	blob, err := m.blobs.GetBlob(ctx, CollectionEnrollments, id)
	if err != nil {
		return nil, err
	}
	if err := m.validator.Validate(validation.SchemaEnrollment, blob.Data); err != nil {
		return nil, err
	}
	// Records without an active flag are treated as active.
	rec := EnrollmentRecord{Active: true}
	if err := json.Unmarshal(blob.Data, &rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode enrollment").WithCause(err)
	}
	return &schema.Credential{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		PublicID:    rec.PublicID,
		EnrolledAt:  rec.EnrolledAt,
		Active:      rec.Active,
	}, nil
}
