package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quizforge/billing/internal/catalog"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/reconcile"
	"github.com/quizforge/billing/internal/store/gormstore"
	"github.com/quizforge/billing/internal/webhook"
)

const (
	testWebhookSecret = "server-test-webhook-secret"
	testSigningKey    = "server-test-signing-key"
	testIssuer        = "quizforge"
)

type apiFixture struct {
	router  *gin.Engine
	store   *gormstore.Store
	service *ledger.Service
}

type fixtureProvider struct {
	orders []reconcile.ProviderOrder
}

func (provider *fixtureProvider) ListOrders(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]reconcile.ProviderOrder, error) {
	return provider.orders, nil
}

func newAPIFixture(test *testing.T, provider reconcile.ProviderClient) *apiFixture {
	test.Helper()

	databasePath := filepath.Join(test.TempDir(), "billing.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := gormstore.New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}

	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	priceCatalog, err := catalog.New(map[string]int64{"price_small": 100})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	verifier, err := webhook.NewVerifier([]byte(testWebhookSecret))
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	processor, err := webhook.NewProcessor(store, service, priceCatalog, zap.NewNop())
	if err != nil {
		test.Fatalf("processor: %v", err)
	}
	aggregator, err := reconcile.NewAggregator(store)
	if err != nil {
		test.Fatalf("aggregator: %v", err)
	}
	if provider == nil {
		provider = &fixtureProvider{}
	}
	reconciler, err := reconcile.NewReconciler(provider, store, priceCatalog, zap.NewNop(), nil)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}

	server, err := NewServer(Config{
		ListenAddr:     ":0",
		WebhookSecret:  testWebhookSecret,
		APISigningKey:  testSigningKey,
		APITokenIssuer: testIssuer,
	}, zap.NewNop(), service, verifier, processor, aggregator, reconciler)
	if err != nil {
		test.Fatalf("server: %v", err)
	}

	return &apiFixture{router: server.setupRouter(), store: store, service: service}
}

func (fixture *apiFixture) seedBalance(test *testing.T, accountID string, balance ledger.CreditAmount) {
	test.Helper()
	err := fixture.store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.LockAccount(ctx, accountID); err != nil {
			return err
		}
		return txStore.UpdateAccountBalance(ctx, accountID, balance)
	})
	if err != nil {
		test.Fatalf("seed %s: %v", accountID, err)
	}
}

func serviceToken(test *testing.T, signingKey string, issuer string) string {
	test.Helper()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": "assessment-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func (fixture *apiFixture) request(test *testing.T, method string, path string, body any, token string) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestHealthzOpen(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	recorder := fixture.request(test, http.MethodGet, "/healthz", nil, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAPIRequiresServiceToken(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)

	recorder := fixture.request(test, http.MethodGet, "/api/accounts/acct-1/balance", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = fixture.request(test, http.MethodGet, "/api/accounts/acct-1/balance", nil, serviceToken(test, "wrong-key", testIssuer))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 with bad key, got %d", recorder.Code)
	}

	recorder = fixture.request(test, http.MethodGet, "/api/accounts/acct-1/balance", nil, serviceToken(test, testSigningKey, "someone-else"))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 with wrong issuer, got %d", recorder.Code)
	}
}

func TestBalanceForUnseenAccountOverAPI(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	token := serviceToken(test, testSigningKey, testIssuer)

	recorder := fixture.request(test, http.MethodGet, "/api/accounts/acct-ghost/balance", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	balance := decodeJSON(test, recorder)
	if balance["total_credits"].(float64) != 0 || balance["available_credits"].(float64) != 0 {
		test.Fatalf("expected zero balance, got %v", balance)
	}
	if _, err := fixture.store.FindAccount(context.Background(), "acct-ghost"); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("balance read must not create an account row, got %v", err)
	}
}

func TestReservationFlowOverAPI(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	fixture.seedBalance(test, "acct-1", 200)
	token := serviceToken(test, testSigningKey, testIssuer)

	recorder := fixture.request(test, http.MethodPost, "/api/reservations", map[string]any{
		"account_id":     "acct-1",
		"amount_credits": 80,
		"ttl_seconds":    300,
	}, token)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("reserve: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	reservation, ok := decodeJSON(test, recorder)["reservation"].(map[string]any)
	if !ok {
		test.Fatalf("missing reservation payload: %s", recorder.Body.String())
	}
	reservationID, _ := reservation["reservation_id"].(string)
	if reservationID == "" {
		test.Fatal("expected reservation id")
	}

	recorder = fixture.request(test, http.MethodGet, "/api/accounts/acct-1/balance", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("balance: expected 200, got %d", recorder.Code)
	}
	balance := decodeJSON(test, recorder)
	if balance["total_credits"].(float64) != 200 || balance["available_credits"].(float64) != 120 {
		test.Fatalf("unexpected balance payload: %v", balance)
	}

	recorder = fixture.request(test, http.MethodPost, fmt.Sprintf("/api/reservations/%s/commit", reservationID), map[string]any{
		"amount_credits": 60,
		"metadata":       map[string]string{"feature": "grading"},
	}, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("commit: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	entry, ok := decodeJSON(test, recorder)["entry"].(map[string]any)
	if !ok {
		test.Fatalf("missing entry payload: %s", recorder.Body.String())
	}
	if entry["amount_credits"].(float64) != -60 {
		test.Fatalf("expected usage amount -60, got %v", entry["amount_credits"])
	}

	recorder = fixture.request(test, http.MethodGet, "/api/accounts/acct-1/balance", nil, token)
	balance = decodeJSON(test, recorder)
	if balance["total_credits"].(float64) != 140 || balance["available_credits"].(float64) != 140 {
		test.Fatalf("unexpected post-commit balance: %v", balance)
	}
}

func TestReserveBeyondAvailableConflicts(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	fixture.seedBalance(test, "acct-1", 50)
	token := serviceToken(test, testSigningKey, testIssuer)

	recorder := fixture.request(test, http.MethodPost, "/api/reservations", map[string]any{
		"account_id":     "acct-1",
		"amount_credits": 80,
	}, token)
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decodeJSON(test, recorder)["error"] != "insufficient_credits" {
		test.Fatalf("unexpected error payload: %s", recorder.Body.String())
	}
}

func TestReleaseUnknownReservation(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	token := serviceToken(test, testSigningKey, testIssuer)

	recorder := fixture.request(test, http.MethodPost, "/api/reservations/nope/release", nil, token)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestListEntriesOverAPI(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	token := serviceToken(test, testSigningKey, testIssuer)

	if _, err := fixture.service.Append(context.Background(), ledger.EntryInput{
		AccountID:     "acct-1",
		Kind:          ledger.EntryPurchase,
		AmountCredits: 100,
		ExternalRef:   "order-1",
	}); err != nil {
		test.Fatalf("append: %v", err)
	}

	recorder := fixture.request(test, http.MethodGet, "/api/accounts/acct-1/entries?limit=10", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	entries, ok := decodeJSON(test, recorder)["entries"].([]any)
	if !ok || len(entries) != 1 {
		test.Fatalf("expected 1 entry, got %s", recorder.Body.String())
	}

	recorder = fixture.request(test, http.MethodGet, "/api/accounts/acct-unseen/entries", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 for unseen account, got %d", recorder.Code)
	}
	entries, ok = decodeJSON(test, recorder)["entries"].([]any)
	if !ok || len(entries) != 0 {
		test.Fatalf("expected empty history, got %s", recorder.Body.String())
	}
}

func TestUsageRollupsOverAPI(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	fixture.seedBalance(test, "acct-1", 100)
	token := serviceToken(test, testSigningKey, testIssuer)

	if _, err := fixture.service.Append(context.Background(), ledger.EntryInput{
		AccountID:     "acct-1",
		Kind:          ledger.EntryUsage,
		AmountCredits: -40,
		MetadataJSON:  `{"feature":"grading"}`,
	}); err != nil {
		test.Fatalf("append usage: %v", err)
	}

	recorder := fixture.request(test, http.MethodGet, "/api/usage/rollups", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	rollups, ok := decodeJSON(test, recorder)["rollups"].([]any)
	if !ok || len(rollups) != 1 {
		test.Fatalf("expected 1 rollup, got %s", recorder.Body.String())
	}
	rollup := rollups[0].(map[string]any)
	if rollup["feature"] != "grading" || rollup["credits_spent"].(float64) != 40 {
		test.Fatalf("unexpected rollup: %v", rollup)
	}
}

func TestReconciliationOverAPI(test *testing.T) {
	test.Parallel()
	now := time.Now().UTC().Unix()
	provider := &fixtureProvider{orders: []reconcile.ProviderOrder{
		{OrderID: "order-ghost", AccountRef: "acct-1", PriceRef: "price_small", CreatedUnixUTC: now - 60},
	}}
	fixture := newAPIFixture(test, provider)
	token := serviceToken(test, testSigningKey, testIssuer)

	recorder := fixture.request(test, http.MethodGet, "/api/reconciliation/latest", nil, token)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404 before first pass, got %d", recorder.Code)
	}

	recorder = fixture.request(test, http.MethodPost, "/api/reconciliation/run", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("run: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	report, ok := decodeJSON(test, recorder)["report"].(map[string]any)
	if !ok {
		test.Fatalf("missing report: %s", recorder.Body.String())
	}
	discrepancies, ok := report["discrepancies"].([]any)
	if !ok || len(discrepancies) != 1 {
		test.Fatalf("expected 1 discrepancy, got %s", recorder.Body.String())
	}

	recorder = fixture.request(test, http.MethodGet, "/api/reconciliation/latest", nil, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("latest: expected 200, got %d", recorder.Code)
	}
}

func TestWebhookEndpointMountedOutsideAuth(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	fixture.seedBalance(test, "acct-1", 0)

	body := []byte(`{"type":"order.created","data":{"id":"evt-1","accountRef":"acct-1","priceRef":"price_small","amount":999}}`)
	request := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(body))
	request.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(testWebhookSecret), body))
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	balance, err := fixture.service.Balance(context.Background(), "acct-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.TotalCredits != 100 {
		test.Fatalf("expected 100 credits, got %d", balance.TotalCredits)
	}
}
