package service

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yokitheyo/qms-uploader/internal/config"
)

const minimalPDF = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func writeZip(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("notes.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func newTestValidator(maxSize int64) *Validator {
	return NewValidator(config.DefaultContentTypes, config.DefaultExtensions, maxSize)
}

func TestValidator_ValidateFile(t *testing.T) {
	dir := t.TempDir()
	v := newTestValidator(1024)

	t.Run("pdf", func(t *testing.T) {
		path := writeFile(t, dir, "manual.pdf", []byte(minimalPDF))
		ref, err := v.ValidateFile(path)
		require.NoError(t, err)
		assert.Equal(t, "manual.pdf", ref.Name)
		assert.Equal(t, path, ref.Path)
		assert.Equal(t, int64(len(minimalPDF)), ref.Size)
		assert.Equal(t, "application/pdf", ref.ContentType)
	})

	t.Run("bare zip falls back to extension", func(t *testing.T) {
		path := writeZip(t, dir, "sop.docx")
		ref, err := v.ValidateFile(path)
		require.NoError(t, err)
		assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", ref.ContentType)
	})

	t.Run("extension not allowed", func(t *testing.T) {
		path := writeFile(t, dir, "notes.txt", []byte("plain text"))
		_, err := v.ValidateFile(path)
		assert.True(t, errors.Is(err, ErrUnsupportedType))
	})

	t.Run("content contradicts extension", func(t *testing.T) {
		path := writeFile(t, dir, "fake.pdf", []byte("just some text pretending"))
		_, err := v.ValidateFile(path)
		assert.True(t, errors.Is(err, ErrUnsupportedType))
	})

	t.Run("too large", func(t *testing.T) {
		data := append([]byte(minimalPDF), make([]byte, 2048)...)
		path := writeFile(t, dir, "big.pdf", data)
		_, err := v.ValidateFile(path)
		assert.True(t, errors.Is(err, ErrFileTooLarge))
	})

	t.Run("empty", func(t *testing.T) {
		path := writeFile(t, dir, "empty.pdf", nil)
		_, err := v.ValidateFile(path)
		assert.True(t, errors.Is(err, ErrEmptyFile))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := v.ValidateFile(filepath.Join(dir, "missing.pdf"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("directory", func(t *testing.T) {
		sub := filepath.Join(dir, "folder.pdf")
		require.NoError(t, os.Mkdir(sub, 0755))
		_, err := v.ValidateFile(sub)
		assert.True(t, errors.Is(err, ErrUnsupportedType))
	})
}

func TestValidator_ValidateNamed(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "0b6f_staged", []byte(minimalPDF))

	ref, err := newTestValidator(0).ValidateNamed(path, "Quality Manual.PDF")
	require.NoError(t, err)
	assert.Equal(t, "Quality Manual.PDF", ref.Name)
	assert.Equal(t, path, ref.Path)
}

func TestValidator_CheckSize(t *testing.T) {
	v := newTestValidator(100)

	assert.NoError(t, v.CheckSize("a.pdf", 100))
	err := v.CheckSize("a.pdf", 101)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Contains(t, err.Error(), "a.pdf")

	assert.NoError(t, newTestValidator(0).CheckSize("a.pdf", 1<<40), "zero means no limit")
}

func TestNewValidator_NormalizesExtensions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.pdf", []byte(minimalPDF))

	v := NewValidator([]string{"Application/PDF"}, []string{"PDF"}, 0)
	ref, err := v.ValidateFile(path)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", ref.ContentType)
}
