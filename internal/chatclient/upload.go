package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	intrnl "livechat/internal"
)

var httpTimeout = 2 * time.Minute

// Upload posts a blob to the upload endpoint for kind and returns the URL peers
// can fetch it from.
func Upload(ctx context.Context, baseURL string, kind intrnl.Kind, messageID, filename string, blob io.Reader) (string, error) {
	if kind != intrnl.KindImage && kind != intrnl.KindVideo {
		return "", fmt.Errorf("cannot upload kind %q", kind)
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("messageId", messageID); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile(string(kind), filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, blob); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/api/upload-" + string(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, payload["error"])
	}
	mediaURL := payload[string(kind)]
	if mediaURL == "" {
		return "", fmt.Errorf("server response has no %s url", kind)
	}
	return mediaURL, nil
}
