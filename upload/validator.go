// Package upload validates file content before storage. Acceptance is
// decided by what the bytes actually are, never by what the client claims:
// the declared extension and MIME type only narrow which magic numbers the
// content must then match.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Category is the closed set of upload classes, each with its own size
// ceiling and allowed formats.
type Category uint8

const (
	CategoryImage Category = iota
	CategoryDocument
)

const (
	defaultMaxImageBytes    int64 = 5 * 1024 * 1024
	defaultMaxDocumentBytes int64 = 10 * 1024 * 1024
)

// ErrRejected is the common ancestor of every rejection reason.
var ErrRejected = errors.New("upload rejected")

var (
	ErrTooLarge          = fmt.Errorf("%w: exceeds size limit", ErrRejected)
	ErrEmptyFile         = fmt.Errorf("%w: empty file", ErrRejected)
	ErrExtension         = fmt.Errorf("%w: extension not allowed", ErrRejected)
	ErrDeclaredType      = fmt.Errorf("%w: declared type not allowed", ErrRejected)
	ErrSignatureMismatch = fmt.Errorf("%w: content does not match declared type", ErrRejected)
)

// signature maps a magic-number prefix to the canonical extension it
// proves. Offsets beyond zero handle container formats like WebP.
type signature struct {
	prefix []byte
	offset int
	ext    string
}

var imageSignatures = []signature{
	{prefix: []byte{0xFF, 0xD8, 0xFF}, ext: "jpg"},
	{prefix: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, ext: "png"},
	{prefix: []byte("GIF87a"), ext: "gif"},
	{prefix: []byte("GIF89a"), ext: "gif"},
	{prefix: []byte("WEBP"), offset: 8, ext: "webp"},
}

var documentSignatures = []signature{
	{prefix: []byte("%PDF"), ext: "pdf"},
	// OOXML containers (docx, xlsx) are zip archives.
	{prefix: []byte{0x50, 0x4B, 0x03, 0x04}, ext: "zip"},
	// Legacy OLE compound documents (doc, xls).
	{prefix: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, ext: "ole"},
}

// allowedExtensions maps a file extension to the signature extensions that
// may legitimately back it.
var imageExtensions = map[string][]string{
	"jpg":  {"jpg"},
	"jpeg": {"jpg"},
	"png":  {"png"},
	"gif":  {"gif"},
	"webp": {"webp"},
}

var documentExtensions = map[string][]string{
	"pdf":  {"pdf"},
	"doc":  {"ole"},
	"docx": {"zip"},
	"xls":  {"ole"},
	"xlsx": {"zip"},
}

var imageMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var documentMIMETypes = map[string]bool{
	"application/pdf":          true,
	"application/msword":       true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
}

type Limits struct {
	MaxImageBytes    int64
	MaxDocumentBytes int64
}

// Result describes an accepted upload. StoredName is a fresh UUID plus the
// canonical extension; client-supplied names never reach the filesystem.
type Result struct {
	Category     Category
	OriginalName string
	StoredName   string
	SniffedExt   string
	SizeBytes    int64
}

type Validator struct {
	maxImageBytes    int64
	maxDocumentBytes int64
}

func NewValidator(limits Limits) *Validator {
	v := &Validator{
		maxImageBytes:    limits.MaxImageBytes,
		maxDocumentBytes: limits.MaxDocumentBytes,
	}
	if v.maxImageBytes <= 0 {
		v.maxImageBytes = defaultMaxImageBytes
	}
	if v.maxDocumentBytes <= 0 {
		v.maxDocumentBytes = defaultMaxDocumentBytes
	}
	return v
}

// Validate runs the full pipeline over one upload: size ceiling, extension
// allow-list, declared MIME allow-list, then the magic-number sniff that
// the first three checks only narrow. Checks run in fixed order so the
// rejection reason is deterministic for a given input.
func (v *Validator) Validate(category Category, filename, declaredType string, content []byte) (*Result, error) {
	if len(content) == 0 {
		return nil, ErrEmptyFile
	}

	limit := v.limit(category)
	if int64(len(content)) > limit {
		return nil, ErrTooLarge
	}

	ext := normalizedExt(filename)
	allowedSigs, ok := v.extensionTable(category)[ext]
	if !ok {
		return nil, ErrExtension
	}

	if declaredType != "" && !v.mimeTable(category)[normalizeMIME(declaredType)] {
		return nil, ErrDeclaredType
	}

	sniffed := sniff(v.signatureTable(category), content)
	if sniffed == "" {
		return nil, ErrSignatureMismatch
	}

	// The sniffed format must be one the extension legitimately maps to.
	// A PHP payload named photo.jpg with declared type image/jpeg dies
	// here: nothing about its bytes matches an image signature.
	match := false
	for _, allowed := range allowedSigs {
		if sniffed == allowed {
			match = true
			break
		}
	}
	if !match {
		return nil, ErrSignatureMismatch
	}

	return &Result{
		Category:     category,
		OriginalName: filename,
		StoredName:   uuid.New().String() + "." + ext,
		SniffedExt:   sniffed,
		SizeBytes:    int64(len(content)),
	}, nil
}

func (v *Validator) limit(category Category) int64 {
	if category == CategoryDocument {
		return v.maxDocumentBytes
	}
	return v.maxImageBytes
}

func (v *Validator) extensionTable(category Category) map[string][]string {
	if category == CategoryDocument {
		return documentExtensions
	}
	return imageExtensions
}

func (v *Validator) mimeTable(category Category) map[string]bool {
	if category == CategoryDocument {
		return documentMIMETypes
	}
	return imageMIMETypes
}

func (v *Validator) signatureTable(category Category) []signature {
	if category == CategoryDocument {
		return documentSignatures
	}
	return imageSignatures
}

func sniff(table []signature, content []byte) string {
	for _, sig := range table {
		end := sig.offset + len(sig.prefix)
		if len(content) < end {
			continue
		}
		if bytes.Equal(content[sig.offset:end], sig.prefix) {
			return sig.ext
		}
	}
	return ""
}

func normalizedExt(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func normalizeMIME(declared string) string {
	// Strip parameters like "; charset=binary" and normalize case.
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = declared[:i]
	}
	return strings.ToLower(strings.TrimSpace(declared))
}
