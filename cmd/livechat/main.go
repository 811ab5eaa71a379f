package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	intrnl "livechat/internal"
	"livechat/internal/app"
	"livechat/internal/chatclient"
)

const (
	modeServer  = "server"
	modeTail    = "tail"
	modeSend    = "send"
	modeUpload  = "upload"
	modeVersion = "version"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "livechat: load .env: %v\n", err)
	}
	setupLogger(os.Getenv("LIVECHAT_LOG_LEVEL"))

	mode, args := parseMode(os.Args[1:])
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeTail:
		err = runTail(ctx, args)
	case modeSend:
		err = runSend(ctx, args)
	case modeUpload:
		err = runUpload(ctx, args)
	case modeVersion:
		fmt.Println(intrnl.BuildInfo())
	default:
		err = runServer(ctx, args)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "livechat: %v\n", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("livechat server", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("LIVECHAT_ADDR", defaultAddr()), "server listen address")
	path := flagSet.String("path", envOrDefault("LIVECHAT_SOCKET_PATH", "/socket"), "websocket path")
	db := flagSet.String("db", envOrDefault("LIVECHAT_DB_PATH", ""), "sqlite media index path")
	uploads := flagSet.String("uploads", envOrDefault("LIVECHAT_UPLOAD_DIR", ""), "directory for uploaded media")
	baseURL := flagSet.String("public-url", envOrDefault("LIVECHAT_PUBLIC_URL", ""), "base URL used in returned media links (defaults to the request host)")
	maxImage := flagSet.Int64("max-image", envInt64("LIVECHAT_MAX_IMAGE_BYTES", 10<<20), "image upload ceiling in bytes")
	maxVideo := flagSet.Int64("max-video", envInt64("LIVECHAT_MAX_VIDEO_BYTES", 100<<20), "video upload ceiling in bytes")
	uploadRate := flagSet.Int("upload-rate", int(envInt64("LIVECHAT_UPLOAD_RATE", 30)), "uploads allowed per client ip per minute (0 disables)")
	origins := flagSet.String("origins", envOrDefault("LIVECHAT_ALLOWED_ORIGINS", ""), "comma separated allowed browser origins (empty allows all)")
	trustProxy := flagSet.Bool("trust-proxy", envBool("LIVECHAT_TRUST_PROXY", false), "key upload limits by X-Forwarded-For (only behind a proxy that sets it)")
	_ = flagSet.Parse(args)

	cfg := app.ServerConfig{
		Addr:             *addr,
		SocketPath:       app.NormalizeSocketPath(*path),
		DBPath:           *db,
		UploadDir:        *uploads,
		PublicBaseURL:    *baseURL,
		MaxImageSize:     *maxImage,
		MaxVideoSize:     *maxVideo,
		UploadRateLimit:  *uploadRate,
		UploadRateWindow: time.Minute,
		AllowedOrigins:   splitList(*origins),
		TrustProxy:       *trustProxy,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = app.DefaultDBPath()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = app.DefaultUploadDir()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("livechat server listening", "addr", handle.Addr(), "socket", cfg.SocketPath, "db", cfg.DBPath, "uploads", cfg.UploadDir, "version", intrnl.Version)
	return handle.Wait()
}

func runTail(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("livechat tail", flag.ExitOnError)
	cfg := clientFlags(flagSet)
	_ = flagSet.Parse(args)

	client, err := chatclient.Dial(ctx, *cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-client.Events():
			if !ok {
				return client.Err()
			}
			printEvent(event)
		}
	}
}

func runSend(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("livechat send", flag.ExitOnError)
	cfg := clientFlags(flagSet)
	kind := flagSet.String("kind", "text", "message kind: text, image or video")
	mediaURL := flagSet.String("media-url", "", "resolved media url for image/video messages")
	messageID := flagSet.String("message-id", "", "client-minted message id (random when empty)")
	_ = flagSet.Parse(args)

	if *messageID == "" {
		*messageID = uuid.NewString()
	}
	client, err := chatclient.Dial(ctx, *cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	message := intrnl.ChatMessage{
		ID:        *messageID,
		Kind:      intrnl.Kind(*kind),
		Body:      strings.Join(flagSet.Args(), " "),
		MediaURL:  *mediaURL,
		Email:     cfg.Email,
		AvatarURL: cfg.AvatarURL,
	}
	if err := client.SendMessage(ctx, message); err != nil {
		return err
	}
	// a rejection arrives as an error event shortly after the send
	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			fmt.Println(*messageID)
			return nil
		case event, ok := <-client.Events():
			if !ok {
				return client.Err()
			}
			if event.Name == intrnl.EventError && event.Error.MessageID == *messageID {
				return fmt.Errorf("rejected: %s", event.Error.Message)
			}
		}
	}
}

func runUpload(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("livechat upload", flag.ExitOnError)
	base := flagSet.String("base", envOrDefault("LIVECHAT_HTTP_URL", "http://localhost:8080"), "server base URL")
	kind := flagSet.String("kind", "image", "media kind: image or video")
	file := flagSet.String("file", "", "path of the blob to upload")
	messageID := flagSet.String("message-id", "", "client-minted message id (random when empty)")
	_ = flagSet.Parse(args)

	if *file == "" {
		return errors.New("upload requires --file")
	}
	if *messageID == "" {
		*messageID = uuid.NewString()
	}
	blob, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer blob.Close()

	mediaURL, err := chatclient.Upload(ctx, *base, intrnl.Kind(*kind), *messageID, filepath.Base(*file), blob)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", *messageID, mediaURL)
	return nil
}

func clientFlags(flagSet *flag.FlagSet) *chatclient.Config {
	cfg := chatclient.DefaultConfig()
	flagSet.StringVar(&cfg.URL, "url", envOrDefault("LIVECHAT_SOCKET_URL", "ws://localhost:8080/socket"), "server websocket URL")
	flagSet.StringVar(&cfg.Email, "email", envOrDefault("LIVECHAT_EMAIL", ""), "identity email presented on connect")
	flagSet.StringVar(&cfg.AvatarURL, "image", envOrDefault("LIVECHAT_IMAGE", ""), "identity avatar URL presented on connect")
	return &cfg
}

func printEvent(event chatclient.Event) {
	switch event.Name {
	case intrnl.EventLiveUsersCount:
		fmt.Printf("* %d online\n", event.Count)
	case intrnl.EventError:
		fmt.Printf("! %s: %s\n", event.Error.Code, event.Error.Message)
	default:
		content := event.Message.Body
		if event.Message.Kind != intrnl.KindText {
			content = fmt.Sprintf("[%s] %s", event.Message.Kind, event.Message.MediaURL)
		}
		fmt.Printf("%s: %s\n", event.Message.Email, content)
	}
}

func setupLogger(levelName string) {
	level := slog.LevelInfo
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeServer, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeTail, modeSend, modeUpload, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeServer, args
}

// defaultAddr honors PORT for hosted deployments.
func defaultAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
