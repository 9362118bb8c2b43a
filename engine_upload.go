package villenauth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rahulkumar-andc/villen-auth/upload"
)

// ValidateUpload runs the content-validation pipeline over one upload and
// returns the record describing the outcome. Rejections return both the
// record (with the reason filled in) and the typed error, so callers can
// persist the attempt and still branch on the failure.
func (e *Engine) ValidateUpload(ctx context.Context, ownerID string, category upload.Category, filename, declaredType string, content []byte) (*UploadRecord, error) {
	if e == nil || e.uploads == nil {
		return nil, ErrEngineNotReady
	}

	record := &UploadRecord{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		OriginalName: filename,
		DeclaredType: declaredType,
		SizeBytes:    int64(len(content)),
		CreatedAt:    e.now(),
	}

	result, err := e.uploads.Validate(category, filename, declaredType, content)
	if err != nil {
		if errors.Is(err, upload.ErrRejected) {
			record.Accepted = false
			record.RejectionReason = err.Error()

			e.metricInc(MetricUploadRejected)
			e.emitAudit(ctx, auditEventUploadRejected, false, ownerID, "", err, func() map[string]string {
				return map[string]string{
					"filename":      filename,
					"declared_type": declaredType,
					"reason":        err.Error(),
				}
			})
			return record, err
		}
		return nil, backendErr(err)
	}

	record.Accepted = true
	record.StoredName = result.StoredName
	record.SniffedType = result.SniffedExt

	e.metricInc(MetricUploadAccepted)
	e.emitAudit(ctx, auditEventUploadAccepted, true, ownerID, "", nil, func() map[string]string {
		return map[string]string{
			"filename":    filename,
			"stored_name": record.StoredName,
		}
	})

	return record, nil
}
