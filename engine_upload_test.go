package villenauth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rahulkumar-andc/villen-auth/upload"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestValidateUploadAcceptsJPEG(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})

	record, err := engine.ValidateUpload(ctx, "u1", upload.CategoryImage, "photo.jpg", "image/jpeg", jpegHeader)
	if err != nil {
		t.Fatalf("ValidateUpload failed: %v", err)
	}
	if !record.Accepted {
		t.Fatal("expected accepted record")
	}
	if record.SniffedType != "jpg" {
		t.Fatalf("expected sniffed type jpg, got %q", record.SniffedType)
	}

	// Stored name is a fresh UUID plus canonical extension, never the
	// client-supplied name.
	if !strings.HasSuffix(record.StoredName, ".jpg") {
		t.Fatalf("expected .jpg stored name, got %q", record.StoredName)
	}
	if _, err := uuid.Parse(strings.TrimSuffix(record.StoredName, ".jpg")); err != nil {
		t.Fatalf("expected UUID stored name, got %q", record.StoredName)
	}
	if record.StoredName == record.OriginalName {
		t.Fatal("stored name must not reuse the original name")
	}
}

func TestValidateUploadRejectsScriptMasqueradingAsImage(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})

	payload := []byte("<?php system($_GET['cmd']); ?>")
	record, err := engine.ValidateUpload(ctx, "u1", upload.CategoryImage, "photo.jpg", "image/jpeg", payload)
	if !errors.Is(err, upload.ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	if record == nil || record.Accepted {
		t.Fatal("expected rejected record alongside the error")
	}
	if record.RejectionReason == "" {
		t.Fatal("expected rejection reason recorded")
	}
	if record.StoredName != "" {
		t.Fatal("rejected uploads must not get a stored name")
	}
}

func TestValidateUploadRejectionMatrix(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})

	big := make([]byte, 6*1024*1024)
	copy(big, jpegHeader)

	cases := []struct {
		name     string
		category upload.Category
		filename string
		declared string
		content  []byte
		want     error
	}{
		{"empty file", upload.CategoryImage, "photo.jpg", "image/jpeg", nil, upload.ErrEmptyFile},
		{"oversize image", upload.CategoryImage, "photo.jpg", "image/jpeg", big, upload.ErrTooLarge},
		{"extension not allowed", upload.CategoryImage, "shell.exe", "image/jpeg", jpegHeader, upload.ErrExtension},
		{"declared type not allowed", upload.CategoryImage, "photo.jpg", "application/x-httpd-php", jpegHeader, upload.ErrDeclaredType},
		{"png bytes behind jpg name", upload.CategoryImage, "photo.jpg", "image/jpeg",
			[]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, upload.ErrSignatureMismatch},
		{"pdf in image category", upload.CategoryImage, "doc.jpg", "image/jpeg", []byte("%PDF-1.7 x"), upload.ErrSignatureMismatch},
	}

	for _, tc := range cases {
		record, err := engine.ValidateUpload(ctx, "u1", tc.category, tc.filename, tc.declared, tc.content)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if !errors.Is(err, upload.ErrRejected) {
			t.Fatalf("%s: every rejection must match ErrRejected", tc.name)
		}
		if record == nil || record.Accepted {
			t.Fatalf("%s: expected rejected record", tc.name)
		}
	}
}

func TestValidateUploadAcceptsDocuments(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})

	cases := []struct {
		filename string
		declared string
		content  []byte
		sniffed  string
	}{
		{"report.pdf", "application/pdf", []byte("%PDF-1.7 body"), "pdf"},
		{"report.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			[]byte{0x50, 0x4B, 0x03, 0x04, 0x14, 0x00}, "zip"},
		{"legacy.doc", "application/msword",
			[]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00}, "ole"},
	}

	for _, tc := range cases {
		record, err := engine.ValidateUpload(ctx, "u1", upload.CategoryDocument, tc.filename, tc.declared, tc.content)
		if err != nil {
			t.Fatalf("%s: ValidateUpload failed: %v", tc.filename, err)
		}
		if !record.Accepted || record.SniffedType != tc.sniffed {
			t.Fatalf("%s: expected accepted with sniff %q, got %+v", tc.filename, tc.sniffed, record)
		}
	}
}

func TestValidateUploadCountsMetrics(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newMockCredentialStore()
	engine := newTestEngine(t, rdb, store, &recordingNotifier{})

	engine.ValidateUpload(ctx, "u1", upload.CategoryImage, "photo.jpg", "image/jpeg", jpegHeader)
	engine.ValidateUpload(ctx, "u1", upload.CategoryImage, "photo.jpg", "image/jpeg", []byte("<?php"))

	if got := engine.metrics.Value(MetricUploadAccepted); got != 1 {
		t.Fatalf("expected 1 accepted, got %d", got)
	}
	if got := engine.metrics.Value(MetricUploadRejected); got != 1 {
		t.Fatalf("expected 1 rejected, got %d", got)
	}
}
