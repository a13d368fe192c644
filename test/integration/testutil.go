package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/audit"
	"github.com/Andiesam/test-dpr/internal/auth"
	"github.com/Andiesam/test-dpr/internal/credential"
	"github.com/Andiesam/test-dpr/internal/decision"
	"github.com/Andiesam/test-dpr/internal/dispatch"
	"github.com/Andiesam/test-dpr/internal/metrics"
	"github.com/Andiesam/test-dpr/internal/server"
	"github.com/Andiesam/test-dpr/internal/webhook"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testAppID = "4242"

// Callback is one review the fake platform received.
type Callback struct {
	Path          string
	Authorization string
	Body          map[string]string
}

// FakeGitHub serves the installation token endpoint and the deployment
// protection rule callbacks.
type FakeGitHub struct {
	*httptest.Server

	mu        sync.Mutex
	publicKey *rsa.PublicKey
	callbacks []Callback
	tokens    map[int64]int

	callbackStatus int32
	tokenStatus    int32
}

func NewFakeGitHub(t *testing.T, pub *rsa.PublicKey) *FakeGitHub {
	t.Helper()
	gh := &FakeGitHub{
		publicKey:      pub,
		tokens:         make(map[int64]int),
		callbackStatus: http.StatusNoContent,
		tokenStatus:    http.StatusCreated,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/{id}/access_tokens", gh.handleToken)
	mux.HandleFunc("POST /callbacks/{run}", gh.handleCallback)
	gh.Server = httptest.NewServer(mux)
	t.Cleanup(gh.Close)

	return gh
}

func (gh *FakeGitHub) handleToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad installation", http.StatusNotFound)
		return
	}

	assertion := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	gh.mu.Lock()
	pub := gh.publicKey
	gh.mu.Unlock()

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(testAppID)); err != nil {
		http.Error(w, `{"message":"A JSON web token could not be decoded"}`, http.StatusUnauthorized)
		return
	}

	if status := int(atomic.LoadInt32(&gh.tokenStatus)); status != http.StatusCreated {
		w.WriteHeader(status)
		return
	}

	gh.mu.Lock()
	gh.tokens[id]++
	n := gh.tokens[id]
	gh.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      fmt.Sprintf("ghs_%d_%d", id, n),
		"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
}

func (gh *FakeGitHub) handleCallback(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	gh.mu.Lock()
	gh.callbacks = append(gh.callbacks, Callback{
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
	})
	gh.mu.Unlock()

	w.WriteHeader(int(atomic.LoadInt32(&gh.callbackStatus)))
}

func (gh *FakeGitHub) SetCallbackStatus(status int) {
	atomic.StoreInt32(&gh.callbackStatus, int32(status))
}

func (gh *FakeGitHub) SetTokenStatus(status int) {
	atomic.StoreInt32(&gh.tokenStatus, int32(status))
}

func (gh *FakeGitHub) SetPublicKey(pub *rsa.PublicKey) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	gh.publicKey = pub
}

func (gh *FakeGitHub) Callbacks() []Callback {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	return append([]Callback(nil), gh.callbacks...)
}

// CallbacksWithState returns callbacks whose payload carried state.
func (gh *FakeGitHub) CallbacksWithState(state string) []Callback {
	var out []Callback
	for _, cb := range gh.Callbacks() {
		if cb.Body["state"] == state {
			out = append(out, cb)
		}
	}
	return out
}

func (gh *FakeGitHub) TokensIssued(installationID int64) int {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	return gh.tokens[installationID]
}

// TestEnvironment is the relay wired the way cmd/relay wires it, against a
// fake platform.
type TestEnvironment struct {
	GitHub     *FakeGitHub
	Issuer     *credential.Issuer
	Registry   *approval.InMemoryRegistry
	AuditStore *audit.SQLiteStore
	Ingress    *webhook.Ingress
	Server     *server.Server
	HTTPServer *httptest.Server
	PrivateKey *rsa.PrivateKey
	KeyPEM     []byte
}

func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	key, keyPEM := GenerateKey(t)
	gh := NewFakeGitHub(t, &key.PublicKey)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	issuer, err := credential.NewIssuer(credential.Config{
		AppID:      testAppID,
		PrivateKey: keyPEM,
		APIURL:     gh.URL,
		Timeout:    2 * time.Second,
	}, m)
	require.NoError(t, err)

	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)

	reg := approval.NewInMemoryRegistry()

	disp := dispatch.New(issuer, dispatch.Config{
		MaxRetries:  2,
		BaseBackoff: 5 * time.Millisecond,
		Timeout:     2 * time.Second,
		RateLimit:   1000,
		RateBurst:   200,
	}, m)

	authManager, err := auth.NewManager(auth.Config{JWTSecret: "test-secret"})
	require.NoError(t, err)

	ingress := webhook.NewIngress(webhook.Config{PublicURL: "http://relay.test"}, reg, disp, store, m)

	srv := server.New(server.Config{}, server.Deps{
		Registry:  reg,
		Ingress:   ingress,
		Decisions: decision.NewService(reg, disp, store, m),
		Audit:     store,
		Auth:      authManager,
		Gatherer:  promReg,
	})
	httpServer := httptest.NewServer(srv.Handler())

	env := &TestEnvironment{
		GitHub:     gh,
		Issuer:     issuer,
		Registry:   reg,
		AuditStore: store,
		Ingress:    ingress,
		Server:     srv,
		HTTPServer: httpServer,
		PrivateKey: key,
		KeyPEM:     keyPEM,
	}

	t.Cleanup(func() {
		httpServer.Close()
		ingress.Wait()
		_ = srv.Shutdown(context.Background())
		reg.Close()
		store.Close()
	})

	return env
}

func GenerateKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, keyPEM
}

func (e *TestEnvironment) BaseURL() string {
	return e.HTTPServer.URL
}

// SendWebhook posts a deployment_protection_rule delivery and waits for the
// waiting notification to finish.
func (e *TestEnvironment) SendWebhook(t *testing.T, owner, repo, environment string, installationID int64, run int) *http.Response {
	t.Helper()
	resp := e.PostWebhook(t, owner, repo, environment, installationID, run)
	e.Ingress.Wait()
	return resp
}

// PostWebhook posts a delivery without waiting for the waiting notification.
func (e *TestEnvironment) PostWebhook(t *testing.T, owner, repo, environment string, installationID int64, run int) *http.Response {
	t.Helper()

	body := map[string]any{
		"action":                  "requested",
		"environment":             environment,
		"deployment_callback_url": fmt.Sprintf("%s/callbacks/%d", e.GitHub.URL, run),
		"repository": map[string]any{
			"name":  repo,
			"owner": map[string]any{"login": owner},
		},
		"installation": map[string]any{"id": installationID},
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.BaseURL()+"/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderEvent, webhook.EventDeploymentProtectionRule)
	req.Header.Set(webhook.HeaderDelivery, fmt.Sprintf("delivery-%d", run))

	resp, err := e.HTTPClient().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *TestEnvironment) Decide(t *testing.T, action, key, comment string) *http.Response {
	t.Helper()

	var body *bytes.Reader
	if comment != "" {
		payload, _ := json.Marshal(map[string]string{"comment": comment})
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(http.MethodPost, e.BaseURL()+"/"+action+"/"+key, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *TestEnvironment) HTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func DecodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
