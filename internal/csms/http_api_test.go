package csms

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chargefleet/csms/internal/storage"
)

func newTestAPI(t *testing.T) (*HTTPAPI, *storage.ChargerStore) {
	t.Helper()
	store, db := newTestStore(t)
	registry := NewRegistry(nil)
	fanout := NewFanout(nil, nil)
	arbitrator := NewArbitrator(store, registry, fanout, nil, nil)
	introspector := &fakeIntrospector{tokens: map[string]Identity{
		"operator-token": {Username: "alice"},
	}}
	return NewHTTPAPI(store, arbitrator, registry, nil, introspector, db, nil), store
}

func doRequest(t *testing.T, api *HTTPAPI, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)

	if rec := doRequest(t, api, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(t, api, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", rec.Code)
	}
}

func TestCommandRequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)

	body := commandRequest{Command: "start", TargetCharger: "CHG001"}
	if rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}
	if rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "bogus", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rec.Code)
	}
}

func TestCommandAccepted(t *testing.T) {
	api, store := newTestAPI(t)
	seedCharger(t, store, "CHG001", nil)
	seedCustomer(t, store, "alice")

	rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "operator-token",
		commandRequest{Command: "start", TargetCharger: "CHG001"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp commandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "accepted" || resp.Command != "RemoteStartTransaction" || resp.TransactionID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCommandTargetFieldSpellings(t *testing.T) {
	api, store := newTestAPI(t)
	seedCharger(t, store, "CHG001", nil)
	seedCustomer(t, store, "alice")

	for _, body := range []string{
		`{"command": "RemoteStartTransaction", "targetCharger": "CHG001"}`,
		`{"command": "RemoteStopTransaction", "target_charger": "CHG001"}`,
	} {
		rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "operator-token", json.RawMessage(body))
		if rec.Code != http.StatusAccepted {
			t.Errorf("%s: expected 202, got %d: %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestCommandErrorMapping(t *testing.T) {
	api, store := newTestAPI(t)
	seedCharger(t, store, "CHG001", &storage.ChargerState{
		Status: storage.StatusBusy, Activity: storage.ActivityCharging, Connected: true,
	})
	seedCustomer(t, store, "alice")

	cases := []struct {
		name     string
		body     commandRequest
		wantCode int
	}{
		{"missing fields", commandRequest{}, http.StatusBadRequest},
		{"unsupported command", commandRequest{Command: "Reboot", TargetCharger: "CHG001"}, http.StatusUnprocessableEntity},
		{"unknown charger", commandRequest{Command: "start", TargetCharger: "GHOST"}, http.StatusNotFound},
		{"conflicting state", commandRequest{Command: "start", TargetCharger: "CHG001"}, http.StatusConflict},
	}
	for _, tc := range cases {
		rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "operator-token", tc.body)
		if rec.Code != tc.wantCode {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.wantCode, rec.Code, rec.Body.String())
		}
	}
}

func TestCommandConflictMessageVerbatim(t *testing.T) {
	api, store := newTestAPI(t)
	seedCharger(t, store, "CHG001", &storage.ChargerState{
		Status: storage.StatusBusy, Activity: storage.ActivityCharging, Connected: true,
	})
	seedCustomer(t, store, "alice")

	rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "operator-token",
		commandRequest{Command: "start", TargetCharger: "CHG001"})

	var apiErr apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if apiErr.Error != "target charger is busy, cannot start charging." {
		t.Errorf("unexpected conflict message: %q", apiErr.Error)
	}
}

func TestCommandNoCustomerProfileForbidden(t *testing.T) {
	api, store := newTestAPI(t)
	seedCharger(t, store, "CHG001", nil)
	// alice authenticates but has no customer row.

	rec := doRequest(t, api, http.MethodPost, "/api/v1/commands", "operator-token",
		commandRequest{Command: "start", TargetCharger: "CHG001"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListAndGetChargers(t *testing.T) {
	api, store := newTestAPI(t)
	seedCharger(t, store, "CHG001", &storage.ChargerState{
		Status: storage.StatusAvailable, Activity: storage.ActivityIdle, Connected: true,
	})
	seedCharger(t, store, "CHG002", nil)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/chargers", "operator-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list struct {
		Data []chargerView `json:"data"`
		Meta apiMeta       `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Meta.Total != 2 || len(list.Data) != 2 {
		t.Errorf("expected 2 chargers, got %+v", list)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/chargers/CHG001", "operator-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var single struct {
		Data chargerView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &single); err != nil {
		t.Fatalf("decode charger: %v", err)
	}
	if single.Data.Status != storage.StatusAvailable || single.Data.SessionLive {
		t.Errorf("unexpected charger view: %+v", single.Data)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/chargers/GHOST", "operator-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing charger: expected 404, got %d", rec.Code)
	}
}
