package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"keyturn/internal/config"
	"keyturn/internal/db"
	"keyturn/internal/domain"
	"keyturn/internal/engine"
	"keyturn/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("keyturn")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actor string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestFullPurchaseFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings", map[string]any{
		"title": "Canal house",
		"price": 410000,
	}, "seller-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing: %d %s", res.StatusCode, string(data))
	}
	var listing domain.Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/propose", map[string]any{
		"buyer_id": "buyer-1",
	}, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("propose: %d %s", res.StatusCode, string(data))
	}

	// only the proposed buyer may confirm
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/confirm", nil, "buyer-2")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for wrong buyer, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/confirm", nil, "buyer-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}

	// documents not acknowledged yet
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/documents/confirm", nil, "seller-1")
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 before acks, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" || envelope.Error.Details["missing"] == nil {
		t.Fatalf("expected validation envelope with missing kinds, got %s", string(data))
	}

	for _, kind := range []string{"title.deed", "energy.certificate", "sale.contract"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/documents/"+kind+"/ack", map[string]any{}, "seller-1")
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("ack %s: %d %s", kind, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/documents/confirm", nil, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs confirm: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/handover", map[string]any{
		"date": "2026-09-15",
	}, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/handover/complete", nil, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/buyers/buyer-1/purchases", nil, "buyer-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("buyer purchases: %d %s", res.StatusCode, string(data))
	}
	var purchases []domain.BuyerProjection
	if err := json.Unmarshal(data, &purchases); err != nil {
		t.Fatalf("unmarshal purchases: %v", err)
	}
	if len(purchases) != 1 || !purchases[0].Sold {
		t.Fatalf("expected one sold purchase, got %s", string(data))
	}
}

func TestProjectionPointReads(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings", map[string]any{
		"title": "Corner shop",
		"price": 95000,
	}, "seller-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var listing domain.Listing
	_ = json.Unmarshal(data, &listing)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/propose", map[string]any{
		"buyer_id": "buyer-1",
	}, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("propose: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/confirm", nil, "buyer-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sellers/seller-1/listings/"+listing.ID, nil, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seller point read: %d %s", res.StatusCode, string(data))
	}
	var sp domain.SellerProjection
	if err := json.Unmarshal(data, &sp); err != nil {
		t.Fatalf("unmarshal seller row: %v", err)
	}
	if !sp.IsUnderPurchase || !sp.BuyerConfirmed {
		t.Fatalf("seller row out of date: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/buyers/buyer-1/purchases/"+listing.ID, nil, "buyer-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("buyer point read: %d %s", res.StatusCode, string(data))
	}
	var bp domain.BuyerProjection
	if err := json.Unmarshal(data, &bp); err != nil {
		t.Fatalf("unmarshal buyer row: %v", err)
	}
	if bp.Title != "Corner shop" || bp.ConfirmedAt == "" {
		t.Fatalf("buyer row missing snapshot: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/buyers/buyer-2/purchases/"+listing.ID, nil, "buyer-2")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for absent buyer row, got %d %s", res.StatusCode, string(data))
	}
}

func TestConflictEnvelopeOnSecondBuyer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings", map[string]any{
		"title": "Garden flat",
	}, "seller-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var listing domain.Listing
	_ = json.Unmarshal(data, &listing)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/propose", map[string]any{
		"buyer_id": "buyer-1",
	}, "seller-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("propose: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/listings/"+listing.ID+"/purchase/propose", map[string]any{
		"buyer_id": "buyer-2",
	}, "seller-1")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %s", string(data))
	}
}

func TestUnauthorizedWithoutActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/listings", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}
