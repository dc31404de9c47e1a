package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devskill-org/evse-driver/config"
	"github.com/devskill-org/evse-driver/inbox"
	"github.com/devskill-org/evse-driver/propertybus"
)

type fakeConfigProvider struct {
	cfg *config.Config
}

func (f *fakeConfigProvider) CurrentConfig() *config.Config { return f.cfg }
func (f *fakeConfigProvider) ApplyConfig(c *config.Config) error {
	f.cfg = c
	return nil
}

func newTestServer(t *testing.T, authToken string) (*Server, *inbox.Inbox) {
	t.Helper()
	ib := inbox.New()
	store := propertybus.New()
	cp := &fakeConfigProvider{cfg: config.DefaultConfig()}
	srv := New(Config{Address: ":0", AuthToken: authToken}, statusStub{}, cp, store, ib, nil, nil, nil)
	return srv, ib
}

type statusStub struct{}

func (statusStub) CurrentStatus() StatusView { return StatusView{} }

func TestSetModeAcceptsWithoutAuthWhenTokenEmpty(t *testing.T) {
	srv, ib := newTestServer(t, "")
	body, _ := json.Marshal(modeRequest{Mode: "auto"})
	req := httptest.NewRequest(http.MethodPost, "/api/mode", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ib.Len() != 1 {
		t.Fatalf("expected one queued command, got %d", ib.Len())
	}
}

func TestSetModeRejectsWithoutTokenWhenRequired(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	body, _ := json.Marshal(modeRequest{Mode: "auto"})
	req := httptest.NewRequest(http.MethodPost, "/api/mode", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetConfigReturnsCurrent(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ModbusAddress == "" {
		t.Fatalf("expected a default modbus_address in response")
	}
}

func TestSetModeRejectsUnrecognisedValue(t *testing.T) {
	srv, ib := newTestServer(t, "")
	body, _ := json.Marshal(modeRequest{Mode: "banana"})
	req := httptest.NewRequest(http.MethodPost, "/api/mode", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp["error"] == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if ib.Len() != 0 {
		t.Fatalf("rejected command must not reach the inbox, got %d queued", ib.Len())
	}
}

func TestSetCurrentRejectsNonNumericValue(t *testing.T) {
	srv, ib := newTestServer(t, "")
	body, _ := json.Marshal(currentRequest{Amps: "xyz"})
	req := httptest.NewRequest(http.MethodPost, "/api/set_current", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if ib.Len() != 0 {
		t.Fatalf("rejected command must not reach the inbox, got %d queued", ib.Len())
	}
}

func TestSetCurrentAcceptsNumericValue(t *testing.T) {
	srv, ib := newTestServer(t, "")
	body, _ := json.Marshal(currentRequest{Amps: 10.0})
	req := httptest.NewRequest(http.MethodPost, "/api/set_current", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ib.Len() != 1 {
		t.Fatalf("expected one queued command, got %d", ib.Len())
	}
}

func TestSetStartStopRejectsUnrecognisedValue(t *testing.T) {
	srv, ib := newTestServer(t, "")
	body, _ := json.Marshal(valueRequest{Value: "maybe"})
	req := httptest.NewRequest(http.MethodPost, "/api/startstop", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if ib.Len() != 0 {
		t.Fatalf("rejected command must not reach the inbox, got %d queued", ib.Len())
	}
}

func TestGetStatusReturnsJSON(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
