package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"brickline/api/internal/auth"
	"brickline/api/internal/docs"
	"brickline/api/internal/notify"
	"brickline/api/internal/store"
)

func newServerAndToken(t *testing.T, role string, fs *fakeStore, recorder *fakeAudit, uploads *fakeUploads) (*HTTPServer, string) {
	t.Helper()
	if fs == nil {
		fs = &fakeStore{}
	}
	if recorder == nil {
		recorder = &fakeAudit{}
	}
	if uploads == nil {
		uploads = &fakeUploads{}
	}
	fs.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		return store.User{ID: id, DisplayName: "Test User", Role: role}, nil
	}

	svc := New(testConfig(), fs, &fakeSessions{}, uploads, &fakeStorage{}, recorder, &fakeSearch{}, nil, nil)
	server := NewHTTPServer(svc, "*")

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "usr_" + role,
		Name: "Test User",
		Role: role,
		JTI:  "jti_" + role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return server, token
}

func doJSON(server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newServerAndToken(t, "agent", nil, nil, nil)

	rr := doJSON(server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newServerAndToken(t, "agent", nil, nil, nil)

	for _, path := range []string{"/api/properties", "/api/contacts", "/api/documents/registry", "/api/dashboard"} {
		rr := doJSON(server, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s without a token, got %d", path, rr.Code)
		}
	}
}

func TestAgentWriteEndpointsAreForbidden(t *testing.T) {
	server, token := newServerAndToken(t, "agent", nil, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "create property", method: http.MethodPost, path: "/api/properties", body: `{"name":"Harbor Lofts"}`},
		{name: "patch property", method: http.MethodPatch, path: "/api/properties/prop-1", body: `{"city":"Rotterdam"}`},
		{name: "change status", method: http.MethodPost, path: "/api/properties/prop-1/status", body: `{"status":"Available"}`},
		{name: "create lease", method: http.MethodPost, path: "/api/leases", body: `{"propertyId":"prop-1"}`},
		{name: "create contact", method: http.MethodPost, path: "/api/contacts", body: `{"name":"Sam"}`},
		{name: "delete contact", method: http.MethodDelete, path: "/api/contacts/contact-1", body: ""},
		{name: "delete registry entry", method: http.MethodDelete, path: "/api/documents/registry/reg-1", body: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(server, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			var payload map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("parse response: %v", err)
			}
			if payload["code"] != "FORBIDDEN" {
				t.Fatalf("expected code FORBIDDEN, got %v", payload["code"])
			}
		})
	}
}

func TestApproveRejectMatrix(t *testing.T) {
	tests := []struct {
		role       string
		shouldDeny bool
	}{
		{role: "agent", shouldDeny: true},
		{role: "manager", shouldDeny: true},
		{role: "admin", shouldDeny: false},
	}

	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			mutations := 0
			fs := &fakeStore{
				approvePropertyFn: func(context.Context, store.Identity, string) error {
					mutations++
					return nil
				},
				deletePropertyFn: func(context.Context, store.Identity, string) error {
					mutations++
					return nil
				},
				getPropertyFn: func(_ context.Context, _ store.Identity, propertyID string) (store.Property, error) {
					return store.Property{ID: propertyID, Name: "Harbor Lofts", Status: store.PropertyStatusReview}, nil
				},
			}
			recorder := &fakeAudit{}
			server, token := newServerAndToken(t, tc.role, fs, recorder, nil)

			for _, path := range []string{"/api/properties/prop-1/approve", "/api/properties/prop-1/reject"} {
				rr := doJSON(server, http.MethodPost, path, token, `{}`)
				if tc.shouldDeny {
					if rr.Code != http.StatusForbidden {
						t.Fatalf("expected 403 for role=%s path=%s, got %d body=%s", tc.role, path, rr.Code, rr.Body.String())
					}
					continue
				}
				if rr.Code != http.StatusOK {
					t.Fatalf("expected 200 for admin path=%s, got %d body=%s", path, rr.Code, rr.Body.String())
				}
			}

			if tc.shouldDeny {
				if mutations != 0 {
					t.Fatalf("denied caller caused %d mutations", mutations)
				}
				if len(recorder.entries) != 0 {
					t.Fatalf("denied caller produced %d audit entries", len(recorder.entries))
				}
			} else if mutations != 2 {
				t.Fatalf("expected approve and reject to mutate, got %d mutations", mutations)
			}
		})
	}
}

func TestReviewQueueVisibleOnlyToAdmin(t *testing.T) {
	fs := &fakeStore{
		listReviewQueueFn: func(context.Context, store.Identity) ([]store.Property, error) {
			return []store.Property{{ID: "prop-1", Name: "Harbor Lofts", Status: store.PropertyStatusReview}}, nil
		},
	}

	adminServer, adminToken := newServerAndToken(t, "admin", fs, nil, nil)
	rr := doJSON(adminServer, http.MethodGet, "/api/review/properties", adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d body=%s", rr.Code, rr.Body.String())
	}

	managerServer, managerToken := newServerAndToken(t, "manager", fs, nil, nil)
	rr = doJSON(managerServer, http.MethodGet, "/api/review/properties", managerToken, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager, got %d", rr.Code)
	}
}

func TestStatusChangeBlockedByActiveLeaseOverHTTP(t *testing.T) {
	fs := &fakeStore{
		activeLeaseCountFn: func(context.Context, store.Identity, string) (int, error) {
			return 1, nil
		},
	}
	server, token := newServerAndToken(t, "manager", fs, nil, nil)

	rr := doJSON(server, http.MethodPost, "/api/properties/prop-1/status", token, `{"status":"Under Maintenance"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "ACTIVE_LEASE" {
		t.Fatalf("expected code ACTIVE_LEASE, got %v", payload["code"])
	}
}

func TestDuplicateUploadReturnsConflict(t *testing.T) {
	uploads := &fakeUploads{
		submitBatchFn: func(_ context.Context, candidates []docs.Candidate, _ string, _ store.Identity, _ docs.RequestMeta) docs.BatchSummary {
			return docs.BatchSummary{Failed: []docs.FileOutcome{{
				FileName: candidates[0].FileName,
				Err:      docs.ErrDuplicateFailedDocument,
			}}}
		},
	}
	server, token := newServerAndToken(t, "agent", nil, nil, uploads)

	body, contentType := multipartUpload(t, "lease.pdf", "application/pdf", []byte("content"), "lease")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "DUPLICATE_FAILED_DOCUMENT" {
		t.Fatalf("expected code DUPLICATE_FAILED_DOCUMENT, got %v", payload["code"])
	}
}

func TestUploadHappyPath(t *testing.T) {
	server, token := newServerAndToken(t, "agent", nil, nil, nil)

	body, contentType := multipartUpload(t, "lease.pdf", "application/pdf", []byte("content"), "lease")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Succeeded []map[string]any `json:"succeeded"`
		Failed    []map[string]any `json:"failed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(payload.Succeeded) != 1 || len(payload.Failed) != 0 {
		t.Fatalf("unexpected summary: %s", rr.Body.String())
	}
}

func TestSignedURLRejectsTraversal(t *testing.T) {
	server, token := newServerAndToken(t, "agent", nil, nil, nil)

	rr := doJSON(server, http.MethodGet, "/api/documents/signed-url?path=../secrets", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(server, http.MethodGet, "/api/documents/signed-url?path=uploads/1_lease.pdf", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRealtimeTokenEndpoint(t *testing.T) {
	server, token := newServerAndToken(t, "agent", nil, nil, nil)

	rr := doJSON(server, http.MethodPost, "/api/realtime/token", token, `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["token"] == "" || payload["token"] == nil {
		t.Fatal("expected a subscribe token in the response")
	}
}

func TestRealtimeSubscribeStreamsNotifications(t *testing.T) {
	subscribe := func(_ context.Context, token string, deliver func(notify.Notification)) error {
		if token != "sub-token" {
			return notify.ErrBadSubscribeToken
		}
		deliver(notify.Notification{Level: "success", FileName: "lease.pdf", Message: "Extraction finished"})
		return nil
	}
	svc := New(testConfig(), &fakeStore{}, &fakeSessions{}, &fakeUploads{}, &fakeStorage{}, &fakeAudit{}, &fakeSearch{}, nil, subscribe)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/realtime/subscribe?token=sub-token")
	if err != nil {
		t.Fatalf("subscribe request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", got)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("expected a data line, got %q", line)
	}
	if !strings.Contains(line, "lease.pdf") {
		t.Fatalf("expected the notification payload, got %q", line)
	}
}

func TestRealtimeSubscribeRejectsBadToken(t *testing.T) {
	subscribe := func(_ context.Context, _ string, _ func(notify.Notification)) error {
		return notify.ErrBadSubscribeToken
	}
	svc := New(testConfig(), &fakeStore{}, &fakeSessions{}, &fakeUploads{}, &fakeStorage{}, &fakeAudit{}, &fakeSearch{}, nil, subscribe)
	server := NewHTTPServer(svc, "*")

	rr := doJSON(server, http.MethodGet, "/api/realtime/subscribe?token=forged", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRealtimeSubscribeUnavailableWithoutRedis(t *testing.T) {
	server, _ := newServerAndToken(t, "agent", nil, nil, nil)

	rr := doJSON(server, http.MethodGet, "/api/realtime/subscribe?token=sub-token", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "REALTIME_UNAVAILABLE" {
		t.Fatalf("expected code REALTIME_UNAVAILABLE, got %v", payload["code"])
	}
}

func TestDocumentDownloadIsAdminOnly(t *testing.T) {
	for _, role := range []string{"agent", "manager"} {
		server, token := newServerAndToken(t, role, nil, nil, nil)
		rr := doJSON(server, http.MethodGet, "/api/documents/download?path=uploads/1_lease.pdf", token, "")
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for %s, got %d body=%s", role, rr.Code, rr.Body.String())
		}
	}

	server, token := newServerAndToken(t, "admin", nil, nil, nil)
	rr := doJSON(server, http.MethodGet, "/api/documents/download?path=uploads/1_lease.pdf", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("expected octet-stream, got %q", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "1_lease.pdf") {
		t.Fatalf("expected the file name in the disposition, got %q", got)
	}
	if rr.Body.String() != "stored uploads/1_lease.pdf" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestDocumentDownloadRejectsTraversal(t *testing.T) {
	server, token := newServerAndToken(t, "admin", nil, nil, nil)

	rr := doJSON(server, http.MethodGet, "/api/documents/download?path=../secrets", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUnknownPropertyReturns404(t *testing.T) {
	server, token := newServerAndToken(t, "manager", &fakeStore{}, nil, nil)

	rr := doJSON(server, http.MethodGet, "/api/properties/prop-missing", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	server, _ := newServerAndToken(t, "agent", nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func multipartUpload(t *testing.T, fileName, contentType string, data []byte, documentType string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="files"; filename="` + fileName + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.WriteField("documentType", documentType); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}
