package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/relayops/mailbridge/internal/provider"
)

type fakeAuthorizer struct {
	url        string
	outcome    string
	err        error
	gotCode    string
	gotState   string
	gotContext string
}

func (f *fakeAuthorizer) AuthorizationURL(_ context.Context, identityKey, contextRef string) (string, error) {
	f.gotContext = contextRef
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func (f *fakeAuthorizer) HandleCallback(_ context.Context, code, state string) (string, error) {
	f.gotCode, f.gotState = code, state
	return f.outcome, f.err
}

type fakeWatch struct {
	ids          []string
	err          error
	initiateErr  error
	initiated    int
	notification int
}

func (f *fakeWatch) Initiate(context.Context) error {
	f.initiated++
	return f.initiateErr
}

func (f *fakeWatch) OnNotification(context.Context) ([]string, error) {
	f.notification++
	return f.ids, f.err
}

type appendedEvent struct {
	subject   string
	eventType string
	msgID     string
}

type fakeOutbox struct {
	appended []appendedEvent
	err      error
}

func (f *fakeOutbox) AppendOutbox(_ context.Context, subject, eventType string, _ []byte, msgID string) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, appendedEvent{subject, eventType, msgID})
	return nil
}

type published struct {
	subject string
	msgID   string
	payload []byte
}

type fakeForwarder struct {
	sent []published
	err  error
}

func (f *fakeForwarder) Publish(subject string, payload []byte, msgID string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{subject, msgID, payload})
	return nil
}

func newTestServer(auth *fakeAuthorizer, w *fakeWatch, out *fakeOutbox, fw *fakeForwarder) (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	s := &Server{
		Authorizer: auth,
		Watch:      w,
		Events:     out,
		Forwarder:  fw,
		Provider:   provider.Name("GOOGLE"),
		Mailbox:    "ops@example.com",
		Subject:    "mail",
		Timeout:    5 * time.Second,
	}
	r := gin.New()
	s.Register(r)
	return s, r
}

func do(t *testing.T, r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCallbackReturnsOutcomeText(t *testing.T) {
	auth := &fakeAuthorizer{outcome: "Authenticated successfully. You may close this window."}
	_, r := newTestServer(auth, &fakeWatch{}, &fakeOutbox{}, &fakeForwarder{})

	rec := do(t, r, http.MethodGet, "/oauth2/callback?code=c1&state=ops%40example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != auth.outcome {
		t.Errorf("body = %q, want %q", got, auth.outcome)
	}
	if auth.gotCode != "c1" || auth.gotState != "ops@example.com" {
		t.Errorf("callback got (%q, %q)", auth.gotCode, auth.gotState)
	}
}

func TestCallbackRejectsMissingParams(t *testing.T) {
	for _, target := range []string{
		"/oauth2/callback",
		"/oauth2/callback?code=c1",
		"/oauth2/callback?state=ops%40example.com",
	} {
		rec := do(t, func() *gin.Engine {
			_, r := newTestServer(&fakeAuthorizer{}, &fakeWatch{}, &fakeOutbox{}, &fakeForwarder{})
			return r
		}(), http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestAuthorizeRedirects(t *testing.T) {
	auth := &fakeAuthorizer{url: "https://accounts.example.com/consent?state=x"}
	_, r := newTestServer(auth, &fakeWatch{}, &fakeOutbox{}, &fakeForwarder{})

	rec := do(t, r, http.MethodGet, "/oauth2/authorize?identity=ops%40example.com&context=ref-1", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != auth.url {
		t.Errorf("Location = %q, want %q", got, auth.url)
	}
	if auth.gotContext != "ref-1" {
		t.Errorf("contextRef = %q, want ref-1", auth.gotContext)
	}
}

func TestNotificationForwardsPayload(t *testing.T) {
	fw := &fakeForwarder{}
	_, r := newTestServer(&fakeAuthorizer{}, &fakeWatch{}, &fakeOutbox{}, fw)

	body := `{"message":{"data":"eyJoaXN0b3J5SWQiOjQyfQ==","messageId":"push-7"},"subscription":"projects/p/subscriptions/s"}`
	rec := do(t, r, http.MethodPost, "/notifications", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(fw.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(fw.sent))
	}
	if fw.sent[0].subject != "mail.notification.push" {
		t.Errorf("subject = %q", fw.sent[0].subject)
	}
	if fw.sent[0].msgID != "notification.push|push-7" {
		t.Errorf("msgID = %q", fw.sent[0].msgID)
	}
}

func TestNotificationRejectsMalformedBody(t *testing.T) {
	for _, body := range []string{"", "{", `{"subscription":"s"}`} {
		fw := &fakeForwarder{}
		_, r := newTestServer(&fakeAuthorizer{}, &fakeWatch{}, &fakeOutbox{}, fw)
		rec := do(t, r, http.MethodPost, "/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if len(fw.sent) != 0 {
			t.Errorf("body %q: forwarded %d messages, want 0", body, len(fw.sent))
		}
	}
}

func TestNotificationRejectsUndecodablePayload(t *testing.T) {
	for _, data := range []string{"!!!not-base64!!!", "bm90IGpzb24="} {
		fw := &fakeForwarder{}
		_, r := newTestServer(&fakeAuthorizer{}, &fakeWatch{}, &fakeOutbox{}, fw)

		body := fmt.Sprintf(`{"message":{"data":%q,"messageId":"push-9"}}`, data)
		rec := do(t, r, http.MethodPost, "/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("data %q: status = %d, want 400", data, rec.Code)
		}
		if len(fw.sent) != 0 {
			t.Errorf("data %q: forwarded %d messages, want 0", data, len(fw.sent))
		}
	}
}

func TestNotificationPublishFailure(t *testing.T) {
	fw := &fakeForwarder{err: fmt.Errorf("stream unavailable")}
	_, r := newTestServer(&fakeAuthorizer{}, &fakeWatch{}, &fakeOutbox{}, fw)

	body := `{"message":{"data":"e30=","messageId":"push-8"}}`
	rec := do(t, r, http.MethodPost, "/notifications", body)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestSyncQueuesOneEventPerMessage(t *testing.T) {
	out := &fakeOutbox{}
	w := &fakeWatch{ids: []string{"m1", "m2"}}
	_, r := newTestServer(&fakeAuthorizer{}, w, out, &fakeForwarder{})

	rec := do(t, r, http.MethodPost, "/notifications/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, resp.MessageIDs); diff != "" {
		t.Errorf("message ids mismatch (-want +got):\n%s", diff)
	}

	want := []appendedEvent{
		{"mail.message.new", "message.new", "message.new|GOOGLE|m1"},
		{"mail.message.new", "message.new", "message.new|GOOGLE|m2"},
	}
	if diff := cmp.Diff(want, out.appended, cmp.AllowUnexported(appendedEvent{})); diff != "" {
		t.Errorf("outbox mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncUnauthorizedIsAdminProblem(t *testing.T) {
	w := &fakeWatch{err: fmt.Errorf("fetch history: %w", provider.ErrUnauthorized)}
	_, r := newTestServer(&fakeAuthorizer{}, w, &fakeOutbox{}, &fakeForwarder{})

	rec := do(t, r, http.MethodPost, "/notifications/sync", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestSyncCursorExpiredConflicts(t *testing.T) {
	w := &fakeWatch{err: fmt.Errorf("fetch history: %w", provider.ErrCursorExpired)}
	_, r := newTestServer(&fakeAuthorizer{}, w, &fakeOutbox{}, &fakeForwarder{})

	rec := do(t, r, http.MethodPost, "/notifications/sync", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestInitiateStartsWatch(t *testing.T) {
	w := &fakeWatch{}
	_, r := newTestServer(&fakeAuthorizer{}, w, &fakeOutbox{}, &fakeForwarder{})

	rec := do(t, r, http.MethodPost, "/watch/initiate", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if w.initiated != 1 {
		t.Errorf("Initiate called %d times, want 1", w.initiated)
	}
}

func TestInitiateInvalidTopic(t *testing.T) {
	w := &fakeWatch{initiateErr: fmt.Errorf("watch: %w", provider.ErrInvalidTopic)}
	_, r := newTestServer(&fakeAuthorizer{}, w, &fakeOutbox{}, &fakeForwarder{})

	rec := do(t, r, http.MethodPost, "/watch/initiate", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	_, r := newTestServer(&fakeAuthorizer{}, &fakeWatch{}, &fakeOutbox{}, &fakeForwarder{})
	rec := do(t, r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
