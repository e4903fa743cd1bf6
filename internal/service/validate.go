package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yokitheyo/qms-uploader/internal/model"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
)

var extContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// Sniffed types too generic to contradict the extension: office files
// without full metadata come out as bare zip or OLE containers.
var genericTypes = map[string]bool{
	"application/octet-stream":  true,
	"application/zip":           true,
	"application/x-ole-storage": true,
}

// Validator rejects files the backend would refuse before they reach the
// upload queue.
type Validator struct {
	allowedTypes map[string]bool
	allowedExt   map[string]bool
	maxSize      int64
}

func NewValidator(contentTypes, extensions []string, maxSize int64) *Validator {
	v := &Validator{
		allowedTypes: make(map[string]bool, len(contentTypes)),
		allowedExt:   make(map[string]bool, len(extensions)),
		maxSize:      maxSize,
	}
	for _, t := range contentTypes {
		v.allowedTypes[strings.ToLower(t)] = true
	}
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		v.allowedExt[e] = true
	}
	return v
}

// CheckSize rejects a file over the size limit before its content is read.
func (v *Validator) CheckSize(name string, size int64) error {
	if v.maxSize > 0 && size > v.maxSize {
		return fmt.Errorf("%s: %w: %d bytes, limit %d", name, ErrFileTooLarge, size, v.maxSize)
	}
	return nil
}

// ValidateFile checks the file at path using its own base name.
func (v *Validator) ValidateFile(path string) (model.FileRef, error) {
	return v.ValidateNamed(path, filepath.Base(path))
}

// ValidateNamed checks the file at path; name is the user-facing file name
// whose extension must be allowed.
func (v *Validator) ValidateNamed(path, name string) (model.FileRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.FileRef{}, err
	}
	if info.IsDir() {
		return model.FileRef{}, fmt.Errorf("%s: %w: is a directory", name, ErrUnsupportedType)
	}
	if info.Size() == 0 {
		return model.FileRef{}, fmt.Errorf("%s: %w", name, ErrEmptyFile)
	}
	if err := v.CheckSize(name, info.Size()); err != nil {
		return model.FileRef{}, err
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !v.allowedExt[ext] {
		return model.FileRef{}, fmt.Errorf("%s: %w: extension %q", name, ErrUnsupportedType, ext)
	}

	contentType, err := v.detect(path, ext)
	if err != nil {
		return model.FileRef{}, fmt.Errorf("%s: %w", name, err)
	}

	return model.FileRef{
		Name:        name,
		Path:        path,
		Size:        info.Size(),
		ContentType: contentType,
	}, nil
}

func (v *Validator) detect(path, ext string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}

	for m := mt; m != nil; m = m.Parent() {
		for allowed := range v.allowedTypes {
			if m.Is(allowed) {
				return allowed, nil
			}
		}
		if genericTypes[m.String()] {
			break
		}
	}

	// Fall back to extension-based detection for containers mimetype
	// cannot look inside.
	if byExt, ok := extContentTypes[ext]; ok && v.allowedTypes[byExt] && isGeneric(mt) {
		return byExt, nil
	}
	return "", fmt.Errorf("%w: detected %s", ErrUnsupportedType, mt.String())
}

func isGeneric(mt *mimetype.MIME) bool {
	return genericTypes[mt.String()]
}
