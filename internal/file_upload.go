package internal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

const (
	// multipart parts above this size spill to temp files
	uploadMemory = 8 << 20
	// allowance for multipart framing and the messageId field
	multipartOverhead = 64 << 10
	sniffLen          = 512
)

// UploadHandler accepts image and video uploads and answers with the URL the
// blob is served from. It knows nothing about sockets: the client re-emits a
// message event carrying that URL once the upload resolves.
type UploadHandler struct {
	store        MediaStore
	maxImageSize int64
	maxVideoSize int64
	baseURL      string
	limiter      *RateLimiter
	metrics      *Metrics
	trustProxy   bool
}

// NewUploadHandler creates an upload handler. An empty baseURL makes returned
// URLs absolute against the request's own host.
func NewUploadHandler(store MediaStore, maxImageSize, maxVideoSize int64, baseURL string) *UploadHandler {
	return &UploadHandler{
		store:        store,
		maxImageSize: maxImageSize,
		maxVideoSize: maxVideoSize,
		baseURL:      strings.TrimRight(baseURL, "/"),
		metrics:      NewMetrics(),
	}
}

// HandleImage serves POST /api/upload-image.
func (h *UploadHandler) HandleImage(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, KindImage)
}

// HandleVideo serves POST /api/upload-video.
func (h *UploadHandler) HandleVideo(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, KindVideo)
}

func (h *UploadHandler) handle(w http.ResponseWriter, r *http.Request, kind Kind) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.limiter.Allow(clientIP(r, h.trustProxy)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	url, messageID, err := h.upload(w, r, kind)
	if err != nil {
		h.metrics.IncUpload(false)
		status := http.StatusBadRequest
		if !errors.Is(err, errBadUpload) {
			status = uploadStatus(err)
		}
		slog.Warn("upload failed", "kind", kind, "messageId", messageID, "status", status, "error", err)
		writeError(w, status, err)
		return
	}
	h.metrics.IncUpload(true)
	slog.Info("upload stored", "kind", kind, "messageId", messageID, "url", url)
	writeJSON(w, http.StatusOK, map[string]string{
		string(kind): url,
		"messageId":  messageID,
	})
}

var errBadUpload = errors.New("bad upload request")

func (h *UploadHandler) upload(w http.ResponseWriter, r *http.Request, kind Kind) (string, string, error) {
	limit := h.maxImageSize
	if kind == KindVideo {
		limit = h.maxVideoSize
	}
	if r.ContentLength > limit+multipartOverhead {
		return "", "", fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, limit)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", "", fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, limit)
		}
		return "", "", fmt.Errorf("%w: %v", errBadUpload, err)
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	messageID := strings.TrimSpace(r.FormValue("messageId"))
	if messageID == "" {
		return "", "", fmt.Errorf("%w: messageId required", errBadUpload)
	}
	file, header, err := r.FormFile(string(kind))
	if err != nil {
		return "", messageID, fmt.Errorf("%w: no %s provided", errBadUpload, kind)
	}
	defer file.Close()
	if header.Size > limit {
		return "", messageID, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, limit)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", messageID, fmt.Errorf("%w: %v", errBadUpload, err)
	}
	head = head[:n]
	contentType, ok := matchKind(kind, head, header.Header.Get("Content-Type"))
	if !ok {
		return "", messageID, fmt.Errorf("%w: %s does not match declared kind %s", ErrUnsupportedMediaType, contentType, kind)
	}

	path, err := h.store.Put(r.Context(), MediaUpload{
		Kind:        kind,
		MessageID:   messageID,
		ContentType: contentType,
		Body:        io.MultiReader(bytes.NewReader(head), file),
	})
	if err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return "", messageID, err
	}
	return h.absoluteURL(r, path), messageID, nil
}

// matchKind sniffs the blob and reports its content type and whether it fits
// kind. When sniffing is inconclusive the part's declared type is used, but
// only if it is one of the media types the store knows how to serve.
func matchKind(kind Kind, head []byte, declared string) (string, bool) {
	contentType := "application/octet-stream"
	if len(head) > 0 {
		contentType = http.DetectContentType(head)
	}
	if contentType == "application/octet-stream" && declared != "" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			if _, known := mediaExtensions[parsed]; known {
				contentType = parsed
			}
		}
	}
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = parsed
	}
	return contentType, strings.HasPrefix(contentType, string(kind)+"/")
}

func (h *UploadHandler) absoluteURL(r *http.Request, path string) string {
	if h.baseURL != "" {
		return h.baseURL + path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}
