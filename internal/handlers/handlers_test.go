package handlers_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/database"
	"github.com/kwamkid/aoochat-sub002/internal/dedup"
	"github.com/kwamkid/aoochat-sub002/internal/handlers"
	"github.com/kwamkid/aoochat-sub002/internal/ingest"
	"github.com/kwamkid/aoochat-sub002/internal/models"
	"github.com/kwamkid/aoochat-sub002/internal/platform"
)

const (
	fbSecret = "fb-secret"
	fbToken  = "fb-token"
	waSecret = "wa-secret"
	waToken  = "wa-token"
)

// newTestServer wires the full stack - SQLite store, in-process guard, real
// adapters, router - the same way main does.
func newTestServer(t *testing.T) (*httptest.Server, *database.SQLStore) {
	t.Helper()
	log := zap.NewNop()

	cfg := &config.Config{
		Facebook: config.MetaPlatform{AppSecret: fbSecret, VerifyToken: fbToken},
		WhatsApp: config.MetaPlatform{AppSecret: waSecret, VerifyToken: waToken},
	}

	store, err := database.Open(config.Database{Driver: "sqlite3", DSN: ":memory:"}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	guard := dedup.NewMemoryGuard(time.Hour)
	registry := platform.NewRegistry(cfg, log)
	reconciler := ingest.NewReconciler(store, nil, log)
	dispatcher := ingest.NewDispatcher(registry, guard, store, reconciler, 8, log)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{platform}", handlers.VerifyWebhook(dispatcher, log)).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{platform}", handlers.ReceiveWebhook(dispatcher, log)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/conversations", handlers.ListConversations(store, log)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/conversations/{id}/messages", handlers.ListMessages(store, log)).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, srv *httptest.Server, path, secret string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func listConversations(t *testing.T, srv *httptest.Server) []models.Conversation {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	return body.Conversations
}

func listMessages(t *testing.T, srv *httptest.Server, convID string) []models.Message {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/v1/conversations/" + convID + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	return body.Messages
}

func waText(from, wamid, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "waba-1", "changes": [{"field": "messages", "value": {
			"contacts": [{"wa_id": %q, "profile": {"name": "Ada"}}],
			"messages": [{"from": %q, "id": %q, "timestamp": "1756400000", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, from, from, wamid, text))
}

// ─── Handshake ───────────────────────────────────────────────────────────────

func TestVerifyWebhook_EchoesChallengeVerbatim(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=" + waToken + "&hub.challenge=1234")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "1234" {
		t.Errorf("challenge must come back byte-for-byte, got %q", body)
	}
}

func TestVerifyWebhook_WrongTokenNeverLeaksChallenge(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1234")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if bytes.Contains(body, []byte("1234")) {
		t.Errorf("challenge leaked on rejection: %q", body)
	}
}

func TestVerifyWebhook_UnknownPlatform(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/webhooks/telegram?hub.mode=subscribe&hub.verify_token=x&hub.challenge=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

// ─── Deliveries ──────────────────────────────────────────────────────────────

func TestReceiveWebhook_PersistsEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postWebhook(t, srv, "/webhooks/whatsapp", waSecret, waText("14165551234", "wamid.e2e", "hello"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	convs := listConversations(t, srv)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].MessageCount != 1 {
		t.Errorf("expected message_count=1, got %d", convs[0].MessageCount)
	}

	msgs := listMessages(t, srv, convs[0].ID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Content.Text != "hello" {
		t.Errorf("unexpected content: %+v", msgs[0].Content)
	}
	if msgs[0].SenderType != models.SenderCustomer {
		t.Errorf("unexpected sender type: %s", msgs[0].SenderType)
	}
}

func TestReceiveWebhook_BadSignatureAckedButNotPersisted(t *testing.T) {
	srv, _ := newTestServer(t)

	body := waText("14165551234", "wamid.forged", "hello")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(make([]byte, 32)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Providers get a 200 either way; the payload just goes nowhere.
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 even for a bad signature, got %d", resp.StatusCode)
	}
	if convs := listConversations(t, srv); len(convs) != 0 {
		t.Errorf("forged delivery must not persist, got %d conversations", len(convs))
	}
}

func TestReceiveWebhook_ExactReplayPersistsOnce(t *testing.T) {
	srv, _ := newTestServer(t)

	body := waText("14165551234", "wamid.replay", "hello")
	for i := 0; i < 2; i++ {
		resp := postWebhook(t, srv, "/webhooks/whatsapp", waSecret, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	convs := listConversations(t, srv)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].MessageCount != 1 {
		t.Errorf("replay must not bump the counter, got %d", convs[0].MessageCount)
	}
}

func TestReceiveWebhook_FacebookBatchSameSender(t *testing.T) {
	srv, _ := newTestServer(t)

	// Two entries from the same new sender in one delivery: one conversation,
	// two messages, even though both events race to create it.
	body := []byte(`{
		"object": "page",
		"entry": [
			{"id": "page-1", "time": 1756400000, "messaging": [
				{"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "timestamp": 1756400000000,
				 "message": {"mid": "mid.a", "text": "first"}}
			]},
			{"id": "page-1", "time": 1756400001, "messaging": [
				{"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "timestamp": 1756400001000,
				 "message": {"mid": "mid.b", "text": "second"}}
			]}
		]
	}`)

	resp := postWebhook(t, srv, "/webhooks/facebook", fbSecret, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	convs := listConversations(t, srv)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation for one sender, got %d", len(convs))
	}
	if convs[0].MessageCount != 2 {
		t.Errorf("expected message_count=2, got %d", convs[0].MessageCount)
	}
	if len(listMessages(t, srv, convs[0].ID)) != 2 {
		t.Error("expected both batch messages persisted")
	}
}

func TestReceiveWebhook_MalformedSiblingDoesNotBlockBatch(t *testing.T) {
	srv, _ := newTestServer(t)

	// Second messaging entry has no mid and no sender id; only the first
	// should land.
	body := []byte(`{
		"object": "page",
		"entry": [{"id": "page-1", "time": 1756400000, "messaging": [
			{"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "timestamp": 1756400000000,
			 "message": {"mid": "mid.ok", "text": "fine"}},
			{"recipient": {"id": "page-1"}, "timestamp": 1756400000000,
			 "message": {"text": "broken"}}
		]}]
	}`)

	resp := postWebhook(t, srv, "/webhooks/facebook", fbSecret, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	convs := listConversations(t, srv)
	if len(convs) != 1 || convs[0].MessageCount != 1 {
		t.Fatalf("expected exactly the well-formed message persisted, got %+v", convs)
	}
}

func TestReceiveWebhook_PlatformNotEnabled(t *testing.T) {
	srv, _ := newTestServer(t)

	// LINE has no channel secret in this config, so its adapter is absent.
	resp := postWebhook(t, srv, "/webhooks/line", "", []byte(`{"events":[]}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 ack, got %d", resp.StatusCode)
	}
	if convs := listConversations(t, srv); len(convs) != 0 {
		t.Errorf("disabled platform must not persist, got %d conversations", len(convs))
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}
