package clipboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientShareEncodesForm(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/networks/lan/clipboard" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		received = map[string]string{
			"deviceName": r.PostForm.Get("deviceName"),
			"channel":    r.PostForm.Get("channel"),
			"fromName":   r.PostForm.Get("fromName"),
			"fromType":   r.PostForm.Get("fromType"),
			"text":       r.PostForm.Get("text"),
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"lastDeviceName": r.PostForm.Get("deviceName")})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", NetworkID: "lan"})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	receipt, err := client.Share(context.Background(), ShareRequest{
		DeviceName: deviceB.Name,
		Channel:    "private-blue-owl-network-lan",
		From:       deviceA,
		Text:       "hello",
	})
	if err != nil {
		t.Fatalf("unexpected share error: %v", err)
	}
	if receipt.LastDeviceName != deviceB.Name {
		t.Fatalf("unexpected receipt %#v", receipt)
	}
	if received["channel"] != "private-blue-owl-network-lan" || received["fromName"] != "Red Fox" || received["fromType"] != "desktop" || received["text"] != "hello" {
		t.Fatalf("unexpected form %#v", received)
	}
}

func TestClientShareMapsErrors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "invalid payload", status: http.StatusBadRequest, want: ErrInvalidPayload},
		{name: "server error", status: http.StatusInternalServerError, want: ErrTransport},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrTransport},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = io.WriteString(w, `{"clipboardError":"nope"}`)
			}))
			defer server.Close()

			client, _ := NewClient(ClientConfig{BaseURL: server.URL, NetworkID: "lan"})
			if _, err := client.Share(context.Background(), ShareRequest{}); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestClientImageRoundTrip(t *testing.T) {
	stored := map[string][]byte{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/images":
			file, _, err := r.FormFile("image")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			stored["img-1"] = data
			_ = json.NewEncoder(w).Encode(map[string]string{"imageId": "img-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/images/img-1":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(stored["img-1"])
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{BaseURL: server.URL})
	imageID, err := client.Upload(context.Background(), []byte("png-bytes"))
	if err != nil || imageID != "img-1" {
		t.Fatalf("unexpected upload result %q %v", imageID, err)
	}
	image, err := client.Fetch(context.Background(), imageID)
	if err != nil || string(image) != "png-bytes" {
		t.Fatalf("unexpected fetch result %q %v", image, err)
	}
	if _, err := client.Fetch(context.Background(), "img-404"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}
