package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"livechat/internal/storage"
)

// MediaUpload is one blob handed to a MediaStore.
type MediaUpload struct {
	Kind        Kind
	MessageID   string
	ContentType string
	Body        io.Reader
}

// MediaStore persists uploaded blobs and returns the path they are served
// from, relative to the server root (e.g. /media/<id>).
type MediaStore interface {
	Put(ctx context.Context, upload MediaUpload) (string, error)
}

// DiskStore keeps blobs on the local filesystem and indexes them in SQLite.
type DiskStore struct {
	dir   string
	index *storage.Store
}

func NewDiskStore(dir string, index *storage.Store) *DiskStore {
	return &DiskStore{dir: dir, index: index}
}

var mediaExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"video/avi":       ".avi",
}

// Put writes the blob to disk while hashing it, then records it in the index.
// Any failure leaves no file behind and is reported as ErrStorageUnavailable.
func (s *DiskStore) Put(ctx context.Context, upload MediaUpload) (string, error) {
	id := uuid.NewString()
	relPath := filepath.Join(string(upload.Kind), id+mediaExtensions[upload.ContentType])
	fullPath := filepath.Join(s.dir, relPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("%w: create media dir: %v", ErrStorageUnavailable, err)
	}
	dest, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("%w: create file: %v", ErrStorageUnavailable, err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), upload.Body)
	closeErr := dest.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("%w: write file: %v", ErrStorageUnavailable, err)
	}

	if previous, err := s.index.CountByMessageID(ctx, upload.MessageID); err == nil && previous > 0 {
		slog.Warn("repeated upload for message", "messageId", upload.MessageID, "previous", previous)
	}
	rec := storage.MediaRecord{
		ID:          id,
		MessageID:   upload.MessageID,
		Kind:        string(upload.Kind),
		ContentType: upload.ContentType,
		SizeBytes:   written,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		StoragePath: relPath,
		CreatedAt:   time.Now(),
	}
	if err := s.index.InsertMedia(ctx, rec); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("%w: index media: %v", ErrStorageUnavailable, err)
	}
	return "/media/" + id, nil
}

// Open returns the record and an open handle for a stored blob.
func (s *DiskStore) Open(ctx context.Context, id string) (*storage.MediaRecord, *os.File, error) {
	rec, err := s.index.GetMedia(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rec == nil {
		return nil, nil, ErrMediaNotFound
	}
	fullPath := filepath.Join(s.dir, rec.StoragePath)
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return nil, nil, err
	}
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return nil, nil, ErrMediaNotFound
	}
	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrMediaNotFound
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rec, file, nil
}

// Ping checks that the media index is reachable.
func (s *DiskStore) Ping(ctx context.Context) error {
	if s.index == nil {
		return fmt.Errorf("%w: no media index", ErrStorageUnavailable)
	}
	if err := s.index.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// HandleMedia serves GET /media/{id}.
func (s *DiskStore) HandleMedia(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, "media id required", http.StatusBadRequest)
		return
	}
	rec, file, err := s.Open(r.Context(), id)
	if err != nil {
		if err == ErrMediaNotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, filepath.Base(rec.StoragePath), rec.CreatedAt, file)
}
