// Package media persists the audio a task works on: browser uploads and the
// audio track of remote videos.
package media

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Albpenu/whisperweb/internal/apperr"
)

// Saved describes a media file written to local disk.
type Saved struct {
	Path   string // where the file lives on disk
	Name   string // display name without extension
	Format string // lower-case extension without the dot
	Size   int64
}

// SplitName returns the base name of a client file name without its
// extension, and the lower-cased extension.
func SplitName(name string) (string, string) {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), strings.ToLower(strings.TrimPrefix(ext, "."))
}

// AllowedExtension reports whether name has one of the allowed extensions.
func AllowedExtension(name string, allowed []string) bool {
	_, ext := SplitName(name)
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

func allowedContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "", ct == "application/octet-stream":
		return true
	case strings.HasPrefix(ct, "audio/"):
		return true
	case ct == "video/webm", ct == "video/ogg", ct == "video/mp4":
		return true
	}
	return false
}

// Uploader validates multipart uploads and stores them under Dir.
type Uploader struct {
	Dir      string
	MaxBytes int64
	Allowed  []string
}

// Save validates the upload and copies it to Dir under a generated name. The
// client file name is only used for display.
func (u Uploader) Save(fh *multipart.FileHeader) (Saved, error) {
	if fh == nil || fh.Filename == "" {
		return Saved{}, apperr.ErrInvalidFile
	}
	name, format := SplitName(fh.Filename)
	if !AllowedExtension(fh.Filename, u.Allowed) {
		return Saved{}, fmt.Errorf("%w: %q", apperr.ErrUnsupportedType, fh.Filename)
	}
	if ct := fh.Header.Get("Content-Type"); !allowedContentType(ct) {
		return Saved{}, fmt.Errorf("%w: content type %s", apperr.ErrUnsupportedType, ct)
	}
	if u.MaxBytes > 0 && fh.Size > u.MaxBytes {
		return Saved{}, fmt.Errorf("%w: %d bytes", apperr.ErrTooLarge, fh.Size)
	}

	src, err := fh.Open()
	if err != nil {
		return Saved{}, fmt.Errorf("%w: %v", apperr.ErrInvalidFile, err)
	}
	defer src.Close()

	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(u.Dir, uuid.NewString()+"."+format)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Saved{}, fmt.Errorf("create upload file: %w", err)
	}

	var r io.Reader = src
	if u.MaxBytes > 0 {
		r = io.LimitReader(src, u.MaxBytes+1)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && u.MaxBytes > 0 && n > u.MaxBytes {
		err = fmt.Errorf("%w: more than %d bytes", apperr.ErrTooLarge, u.MaxBytes)
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, apperr.ErrTooLarge) {
			return Saved{}, err
		}
		return Saved{}, fmt.Errorf("write upload: %w", err)
	}
	if n == 0 {
		os.Remove(path)
		return Saved{}, fmt.Errorf("%w: empty file", apperr.ErrInvalidFile)
	}
	return Saved{Path: path, Name: name, Format: format, Size: n}, nil
}
