package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/auth"
	"github.com/example/cutout/internal/blob"
	"github.com/example/cutout/internal/config"
	"github.com/example/cutout/internal/handlers"
	"github.com/example/cutout/internal/intake"
	"github.com/example/cutout/internal/segmentation"
	"github.com/example/cutout/internal/session"
	"github.com/example/cutout/internal/workflow"
)

const integrationSecret = "integration-secret"

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	processStarted := make(chan struct{})
	releaseProcess := make(chan struct{})
	defer func() {
		select {
		case <-releaseProcess:
		default:
			close(releaseProcess)
		}
	}()

	result := integrationPNG(t, 4, 4)
	segmenter := segmentation.Func(func(ctx context.Context, data []byte, opts segmentation.Options) ([]byte, error) {
		close(processStarted)
		select {
		case <-releaseProcess:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return result, nil
	})

	store := blob.NewMemory(1<<20, 0)
	a := &app{
		cfg:       &config.Config{},
		logger:    logger,
		store:     store,
		intake:    intake.NewReader(store, 1<<20, 0, logger),
		segmenter: segmenter,
	}
	sessions := session.NewManager(a.newController, time.Hour, logger)

	router := gin.New()
	handlers.RegisterRoutes(router, handlers.Options{
		Sessions: sessions,
		Store:    store,
		Logger:   logger,
	}, auth.JWTMiddleware(integrationSecret, ""))

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	base := "http://" + addr
	token := integrationToken(t, "user-123")
	client := &http.Client{Timeout: 5 * time.Second}

	upload := uploadForm(t, integrationPNG(t, 2, 2))
	resp := doAuthorized(t, client, token, http.MethodPost, base+"/upload", upload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if store.Size() == 0 {
		t.Fatal("expected the upload to be stored")
	}

	type outcome struct {
		resp *http.Response
		err  error
	}
	processCh := make(chan outcome, 1)
	go func() {
		t.Log("sending process request")
		req, err := http.NewRequest(http.MethodPost, base+"/process?wait=true", nil)
		if err != nil {
			processCh <- outcome{err: err}
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		processCh <- outcome{resp: resp, err: err}
	}()

	select {
	case <-processStarted:
		t.Log("processing started")
	case <-time.After(2 * time.Second):
		t.Fatal("processing did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseProcess)
	t.Log("released processing")

	select {
	case got := <-processCh:
		if got.err != nil {
			t.Fatalf("process request failed: %v", got.err)
		}
		defer got.resp.Body.Close()
		body, _ := io.ReadAll(got.resp.Body)
		if got.resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", got.resp.StatusCode, string(body))
		}
		var state struct {
			State workflow.Snapshot `json:"state"`
		}
		if err := json.Unmarshal(body, &state); err != nil {
			t.Fatalf("decode state: %v (%s)", err, body)
		}
		if state.State.Phase != workflow.PhaseDone || state.State.Processed == nil {
			t.Fatalf("expected the in-flight run to finish, got %+v", state.State)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("process request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}

	if err := sessions.Close(context.Background()); err != nil {
		t.Fatalf("close sessions: %v", err)
	}
	if size := store.Size(); size != 0 {
		t.Fatalf("expected every blob released, %d bytes left", size)
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func doAuthorized(t *testing.T, client *http.Client, token, method, url string, form *multipartForm) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, form.body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", form.contentType)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

type multipartForm struct {
	body        *bytes.Buffer
	contentType string
}

func uploadForm(t *testing.T, payload []byte) *multipartForm {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "upload.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &multipartForm{body: body, contentType: writer.FormDataContentType()}
}

func integrationPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func integrationToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(integrationSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
