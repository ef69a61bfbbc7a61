package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/auth"
	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/MarcoPoloResearchLab/clipnet/internal/clipboard"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/gate"
	"github.com/MarcoPoloResearchLab/clipnet/internal/images"
	"github.com/MarcoPoloResearchLab/clipnet/internal/metrics"
	"github.com/MarcoPoloResearchLab/clipnet/internal/networks"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const testNetwork = "lan"

type testServer struct {
	handler http.Handler
	hub     *realtime.Hub
	issuer  *auth.GrantIssuer
	logs    *observer.ObservedLogs
}

type serverOptions struct {
	maxDevices   int
	maxImage     int64
	triggerBurst int
}

func newTestServer(t *testing.T, options serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewGrantIssuer(auth.GrantIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "clipnet-gate",
		Audience:      "clipnet-realtime",
		GrantTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected issuer error: %v", err)
	}
	recorder := metrics.New()
	hub, err := realtime.NewHub(realtime.HubConfig{Verifier: issuer, Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected hub error: %v", err)
	}
	subscriptionGate, err := gate.New(gate.Config{Issuer: issuer, Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected gate error: %v", err)
	}
	admission, err := networks.NewAdmission(networks.AdmissionConfig{Roster: hub, MaxDevices: options.maxDevices})
	if err != nil {
		t.Fatalf("unexpected admission error: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&images.Image{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	imageStore, err := images.NewStore(images.StoreConfig{Database: db, MaxBytes: options.maxImage})
	if err != nil {
		t.Fatalf("unexpected image store error: %v", err)
	}
	gateway, err := realtime.NewGateway(realtime.GatewayConfig{Hub: hub})
	if err != nil {
		t.Fatalf("unexpected gateway error: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	handler, err := NewHTTPHandler(Dependencies{
		Authorizer:   subscriptionGate,
		Admission:    admission,
		Publisher:    hub,
		Images:       imageStore,
		Realtime:     gateway,
		Metrics:      recorder,
		TriggerBurst: options.triggerBurst,
		Logger:       zap.New(core),
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return &testServer{handler: handler, hub: hub, issuer: issuer, logs: logs}
}

func (s *testServer) do(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func postForm(path string, form url.Values) *http.Request {
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return request
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func (s *testServer) joinPresence(t *testing.T, name string) {
	t.Helper()
	conn, err := s.hub.Connect(context.Background())
	if err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	channel := channels.PresenceChannelName(testNetwork)
	grant, err := s.issuer.IssueGrant(context.Background(), conn.SocketID(), channel, &auth.PresenceData{UserID: name})
	if err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if _, err := conn.Subscribe(context.Background(), channel, grant.Token); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingAuthorizer {
		t.Fatalf("expected missing authorizer error, got %v", err)
	}
}

func TestRealtimeAuthGrantsPresenceWithChannelData(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	device := devices.Device{Name: "Red Fox", Type: devices.TypeDesktop}.Encode()
	body, _ := json.Marshal(map[string]string{
		"device":       device,
		"socket_id":    "socket-1",
		"channel_name": channels.PresenceChannelName(testNetwork),
		"network_id":   testNetwork,
	})
	request := httptest.NewRequest(http.MethodPost, "/api/realtime/auth", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")

	recorder := server.do(request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	token, _ := payload["auth"].(string)
	claims, err := server.issuer.VerifyGrant(token, "socket-1", channels.PresenceChannelName(testNetwork))
	if err != nil {
		t.Fatalf("expected verifiable grant, got %v", err)
	}
	if claims.Presence == nil || claims.Presence.UserID != "Red Fox" {
		t.Fatalf("unexpected presence claims %#v", claims.Presence)
	}
	if channelData, _ := payload["channel_data"].(string); !strings.Contains(channelData, `"user_id":"Red Fox"`) {
		t.Fatalf("unexpected channel data %q", channelData)
	}
}

func TestRealtimeAuthRefusals(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	device := devices.Device{Name: "Red Fox", Type: devices.TypeDesktop}.Encode()
	foreignLAN, err := networks.FromIP("203.0.113.7")
	if err != nil {
		t.Fatalf("unexpected network error: %v", err)
	}
	testCases := []struct {
		name    string
		form    url.Values
		status  int
		message string
	}{
		{
			name:    "missing socket",
			form:    url.Values{"device": {device}, "channel_name": {"presence-network-lan"}, "network_id": {testNetwork}},
			status:  http.StatusBadRequest,
			message: "Invalid payload",
		},
		{
			name:    "unknown device",
			form:    url.Values{"device": {"{not json"}, "socket_id": {"s"}, "channel_name": {"presence-network-lan"}, "network_id": {testNetwork}},
			status:  http.StatusUnauthorized,
			message: "Unknown device",
		},
		{
			name:    "foreign presence",
			form:    url.Values{"device": {device}, "socket_id": {"s"}, "channel_name": {"presence-network-elsewhere"}, "network_id": {testNetwork}},
			status:  http.StatusUnauthorized,
			message: "You can only subscribe to presence channels in your network",
		},
		{
			name:    "foreign private",
			form:    url.Values{"device": {device}, "socket_id": {"s"}, "channel_name": {channels.PrivateChannelName("Blue Owl", testNetwork)}, "network_id": {testNetwork}},
			status:  http.StatusUnauthorized,
			message: "You can only subscribe to private channels related to your device",
		},
		{
			name:    "another address network",
			form:    url.Values{"device": {device}, "socket_id": {"s"}, "channel_name": {channels.PresenceChannelName(foreignLAN)}, "network_id": {foreignLAN}},
			status:  http.StatusUnauthorized,
			message: "You can only subscribe to presence channels in your network",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(postForm("/api/realtime/auth", testCase.form))
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			if got := decodeBody(t, recorder)["error"]; got != testCase.message {
				t.Fatalf("expected %q, got %v", testCase.message, got)
			}
		})
	}
}

func TestRealtimeAuthDerivesNetworkFromClientIP(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	networkID, err := networks.FromIP("192.0.2.10")
	if err != nil {
		t.Fatalf("unexpected network error: %v", err)
	}
	form := url.Values{
		"device":       {devices.Device{Name: "Red Fox"}.Encode()},
		"socket_id":    {"socket-1"},
		"channel_name": {channels.PrivateChannelName("Red Fox", networkID)},
	}
	request := postForm("/api/realtime/auth", form)
	request.RemoteAddr = "192.0.2.10:5555"

	if recorder := server.do(request); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	local := httptest.NewRequest(http.MethodGet, "/api/networks/local", nil)
	local.RemoteAddr = "192.0.2.10:5555"
	if got := decodeBody(t, server.do(local))["networkID"]; got != networkID {
		t.Fatalf("expected local network %q, got %v", networkID, got)
	}
}

func TestCreateNetworkReturnsLinkID(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	recorder := server.do(httptest.NewRequest(http.MethodPost, "/api/networks", nil))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	networkID, _ := decodeBody(t, recorder)["networkID"].(string)
	if err := networks.ValidateID(networkID); err != nil {
		t.Fatalf("expected valid network id, got %q: %v", networkID, err)
	}
}

func TestNetworkRosterAndDeviceType(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	server.joinPresence(t, "Red Fox")
	server.joinPresence(t, "Blue Owl")

	request := httptest.NewRequest(http.MethodGet, "/api/networks/"+testNetwork, nil)
	request.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	recorder := server.do(request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload networkResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.NetworkID != testNetwork || fmt.Sprint(payload.AllDevices) != "[Blue Owl Red Fox]" {
		t.Fatalf("unexpected roster %#v", payload)
	}
	if payload.DeviceType != devices.TypeMobile {
		t.Fatalf("expected mobile device type, got %q", payload.DeviceType)
	}
}

func TestNetworkRefusesJoinAtCapacity(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	for index := 0; index < networks.DefaultMaxDevices; index++ {
		server.joinPresence(t, fmt.Sprintf("Device %03d", index))
	}

	recorder := server.do(httptest.NewRequest(http.MethodGet, "/api/networks/"+testNetwork, nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if got := decodeBody(t, recorder)["error"]; got != "Network is full, try again later" {
		t.Fatalf("unexpected error %v", got)
	}
	members, err := server.hub.MemberIDs(context.Background(), channels.PresenceChannelName(testNetwork))
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != networks.DefaultMaxDevices {
		t.Fatalf("expected roster untouched at %d, got %d", networks.DefaultMaxDevices, len(members))
	}
}

func TestNetworkRejectsInvalidID(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	recorder := server.do(httptest.NewRequest(http.MethodGet, "/api/networks/bad.id", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func shareForm(target string) url.Values {
	return url.Values{
		"deviceName": {target},
		"channel":    {channels.PrivateChannelName(target, testNetwork)},
		"fromName":   {"Red Fox"},
		"fromType":   {"desktop"},
		"text":       {"hello"},
	}
}

func TestTriggerPublishesToTargetChannel(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	conn, _ := server.hub.Connect(context.Background())
	defer conn.Close()
	channel := channels.PrivateChannelName("Blue Owl", testNetwork)
	grant, _ := server.issuer.IssueGrant(context.Background(), conn.SocketID(), channel, nil)
	subscription, err := conn.Subscribe(context.Background(), channel, grant.Token)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	recorder := server.do(postForm("/api/networks/"+testNetwork+"/clipboard", shareForm("Blue Owl")))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if got := decodeBody(t, recorder)["lastDeviceName"]; got != "Blue Owl" {
		t.Fatalf("unexpected receipt %v", got)
	}

	select {
	case event := <-subscription.Events():
		share, err := clipboard.DecodeShareEvent(event.Data)
		if err != nil || event.Name != clipboard.EventCopyToClipboard {
			t.Fatalf("unexpected event %#v (%v)", event, err)
		}
		if share.From.Name != "Red Fox" || share.From.Type != devices.TypeDesktop || share.Text != "hello" {
			t.Fatalf("unexpected share %#v", share)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the share to be published")
	}
}

func TestTriggerRejectsIncompleteOrForeignPayload(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	missingText := shareForm("Blue Owl")
	missingText.Del("text")
	foreignChannel := shareForm("Blue Owl")
	foreignChannel.Set("channel", channels.PresenceChannelName(testNetwork))

	for name, form := range map[string]url.Values{"missing text": missingText, "foreign channel": foreignChannel} {
		t.Run(name, func(t *testing.T) {
			recorder := server.do(postForm("/api/networks/"+testNetwork+"/clipboard", form))
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			if got := decodeBody(t, recorder)["clipboardError"]; got != "Invalid payload" {
				t.Fatalf("unexpected error %v", got)
			}
		})
	}
}

func TestTriggerIsRateLimitedPerClient(t *testing.T) {
	server := newTestServer(t, serverOptions{triggerBurst: 2})
	var last int
	for attempt := 0; attempt < 3; attempt++ {
		last = server.do(postForm("/api/networks/"+testNetwork+"/clipboard", shareForm("Blue Owl"))).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the burst, got %d", last)
	}
}

func imageUpload(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, "clipboard.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	_, _ = part.Write(data)
	_ = writer.Close()
	request := httptest.NewRequest(http.MethodPost, "/api/images", &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func TestImageUploadAndFetch(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	recorder := server.do(imageUpload(t, "image", []byte("png-bytes")))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	imageID, _ := decodeBody(t, recorder)["imageId"].(string)
	if !strings.HasPrefix(imageID, "img-") {
		t.Fatalf("unexpected image id %q", imageID)
	}

	fetched := server.do(httptest.NewRequest(http.MethodGet, "/api/images/"+imageID, nil))
	if fetched.Code != http.StatusOK || fetched.Header().Get("Content-Type") != "image/png" || fetched.Body.String() != "png-bytes" {
		t.Fatalf("unexpected fetch %d %q %q", fetched.Code, fetched.Header().Get("Content-Type"), fetched.Body.String())
	}

	missing := server.do(httptest.NewRequest(http.MethodGet, "/api/images/img-missing", nil))
	if missing.Code != http.StatusBadRequest || decodeBody(t, missing)["error"] != "Invalid imageId" {
		t.Fatalf("unexpected missing image response %d %s", missing.Code, missing.Body.String())
	}
}

func TestImageUploadLimits(t *testing.T) {
	server := newTestServer(t, serverOptions{maxImage: 4})
	if recorder := server.do(imageUpload(t, "image", []byte("too large"))); recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
	if recorder := server.do(imageUpload(t, "picture", []byte("png"))); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing field, got %d", recorder.Code)
	}
}

func TestOperationalEndpointsAndHeaders(t *testing.T) {
	server := newTestServer(t, serverOptions{})
	health := server.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", health.Code)
	}
	if health.Header().Get("X-Frame-Options") != "DENY" || health.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers, got %v", health.Header())
	}

	exposition := server.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if exposition.Code != http.StatusOK || !strings.Contains(exposition.Body.String(), `clipnet_http_server_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected request metrics, got %d", exposition.Code)
	}

	entries := server.logs.FilterMessage("http request").All()
	if len(entries) == 0 || entries[0].ContextMap()["route"] != "/healthz" {
		t.Fatalf("expected access log entry, got %#v", entries)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware([]string{"https://clip.example.com"}))
	router.POST("/api/networks", func(c *gin.Context) { c.Status(http.StatusOK) })

	request := httptest.NewRequest(http.MethodOptions, "/api/networks", http.NoBody)
	request.Header.Set("Origin", "https://clip.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://clip.example.com" {
		t.Fatalf("unexpected allow origin %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}
