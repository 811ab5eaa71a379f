package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intrnl "livechat/internal"
)

var pngBlob = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0x01}, 64)...)

func startServer(t *testing.T) *ServerHandle {
	t.Helper()
	dir := t.TempDir()
	handle, err := RunServer(context.Background(), ServerConfig{
		Addr:      "127.0.0.1:0",
		DBPath:    filepath.Join(dir, "livechat.db"),
		UploadDir: filepath.Join(dir, "media"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handle.Stop(ctx)
		_ = handle.Wait()
	})
	return handle
}

func dial(t *testing.T, handle *ServerHandle, email string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+handle.Addr()+"/socket?email="+email, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) intrnl.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope intrnl.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

func readCount(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	envelope := readEvent(t, conn)
	require.Equal(t, intrnl.EventLiveUsersCount, envelope.Event, string(envelope.Data))
	var count int
	require.NoError(t, json.Unmarshal(envelope.Data, &count))
	return count
}

func readMessage(t *testing.T, conn *websocket.Conn) intrnl.ChatMessage {
	t.Helper()
	envelope := readEvent(t, conn)
	require.Equal(t, intrnl.EventMessage, envelope.Event, string(envelope.Data))
	var message intrnl.ChatMessage
	require.NoError(t, json.Unmarshal(envelope.Data, &message))
	return message
}

func sendMessage(t *testing.T, conn *websocket.Conn, message intrnl.ChatMessage) {
	t.Helper()
	data, err := json.Marshal(message)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(intrnl.Envelope{Event: intrnl.EventMessage, Data: data}))
}

func uploadImage(t *testing.T, handle *ServerHandle, messageID string, blob []byte) (int, map[string]string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("messageId", messageID))
	part, err := writer.CreateFormFile("image", "pic.png")
	require.NoError(t, err)
	_, err = part.Write(blob)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err := http.Post("http://"+handle.Addr()+"/api/upload-image", writer.FormDataContentType(), body)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func TestChatRoundTrip(t *testing.T) {
	handle := startServer(t)

	alice := dial(t, handle, "a@x.com")
	assert.Equal(t, 1, readCount(t, alice))

	bob := dial(t, handle, "b@x.com")
	assert.Equal(t, 2, readCount(t, alice))
	assert.Equal(t, 2, readCount(t, bob))

	status, payload := uploadImage(t, handle, "img-1", pngBlob)
	require.Equal(t, http.StatusOK, status, payload["error"])
	mediaURL := payload["image"]
	require.NotEmpty(t, mediaURL)
	assert.Equal(t, "img-1", payload["messageId"])

	sendMessage(t, alice, intrnl.ChatMessage{ID: "1", Kind: intrnl.KindText, Body: "hi"})
	got := readMessage(t, bob)
	assert.Equal(t, "1", got.ID)
	assert.Equal(t, "hi", got.Body)
	assert.Equal(t, "a@x.com", got.Email, "sender identity is stamped from the connection")

	sendMessage(t, bob, intrnl.ChatMessage{ID: "img-1", Kind: intrnl.KindImage, MediaURL: mediaURL})
	got = readMessage(t, alice)
	assert.Equal(t, "img-1", got.ID)
	assert.Equal(t, mediaURL, got.MediaURL)

	resp, err := http.Get(mediaURL)
	require.NoError(t, err)
	served, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, pngBlob, served)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bob.Close()
	// alice never sees her own messages, so the next event is the count drop
	assert.Equal(t, 1, readCount(t, alice))
	assert.Eventually(t, func() bool { return handle.LiveUsers() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidMessageNotifiesSender(t *testing.T) {
	handle := startServer(t)
	alice := dial(t, handle, "a@x.com")
	bob := dial(t, handle, "b@x.com")
	readCount(t, alice)
	readCount(t, alice)
	readCount(t, bob)

	sendMessage(t, alice, intrnl.ChatMessage{ID: "bad", Kind: intrnl.KindImage, MediaURL: "blob:http://localhost/x", Uploading: true})
	envelope := readEvent(t, alice)
	require.Equal(t, intrnl.EventError, envelope.Event)
	var notice intrnl.ErrorNotice
	require.NoError(t, json.Unmarshal(envelope.Data, &notice))
	assert.Equal(t, "bad", notice.MessageID)

	sendMessage(t, alice, intrnl.ChatMessage{ID: "good", Kind: intrnl.KindText, Body: "ok"})
	assert.Equal(t, "good", readMessage(t, bob).ID, "bob never saw the rejected message")
}

func TestUploadMismatchRejected(t *testing.T) {
	handle := startServer(t)
	status, payload := uploadImage(t, handle, "x", []byte("definitely plain text"))
	assert.Equal(t, http.StatusUnsupportedMediaType, status)
	assert.NotEmpty(t, payload["error"])
}

func TestHealthAndCORS(t *testing.T) {
	handle := startServer(t)

	resp, err := http.Get("http://" + handle.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, "http://"+handle.Addr()+"/api/upload-image", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://chat.example/"}
	assert.True(t, originAllowed("https://chat.example", allowed))
	assert.False(t, originAllowed("https://evil.example", allowed))
	assert.True(t, originAllowed("https://anything", []string{"*"}))
}

func TestNormalizeSocketPath(t *testing.T) {
	assert.Equal(t, "/socket", NormalizeSocketPath(""))
	assert.Equal(t, "/ws", NormalizeSocketPath("ws"))
}

func TestDisconnectDuringUpload(t *testing.T) {
	handle := startServer(t)

	alice := dial(t, handle, "a@x.com")
	assert.Equal(t, 1, readCount(t, alice))
	bob := dial(t, handle, "b@x.com")
	assert.Equal(t, 2, readCount(t, alice))
	assert.Equal(t, 2, readCount(t, bob))

	body, pipe := io.Pipe()
	writer := multipart.NewWriter(pipe)
	type result struct {
		status  int
		payload map[string]string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post("http://"+handle.Addr()+"/api/upload-image", writer.FormDataContentType(), body)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var payload map[string]string
		err = json.NewDecoder(resp.Body).Decode(&payload)
		done <- result{status: resp.StatusCode, payload: payload, err: err}
	}()

	require.NoError(t, writer.WriteField("messageId", "slow-1"))
	part, err := writer.CreateFormFile("image", "slow.png")
	require.NoError(t, err)
	_, err = part.Write(pngBlob[:16])
	require.NoError(t, err)

	// alice drops without a close frame while her upload is still streaming
	require.NoError(t, alice.Close())
	assert.Equal(t, 1, readCount(t, bob))

	_, err = part.Write(pngBlob[16:])
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, pipe.Close())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusOK, res.status, res.payload["error"])
		assert.Equal(t, "slow-1", res.payload["messageId"])
		assert.NotEmpty(t, res.payload["image"])
	case <-time.After(5 * time.Second):
		t.Fatal("upload never completed")
	}

	resp, err := http.Get("http://" + handle.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, handle.LiveUsers())

	// the upload must not surface as a message on the remaining socket
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, frame, err := bob.ReadMessage()
	assert.Error(t, err, "unexpected frame after upload: %s", frame)
}
