package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/outlook"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/reconcile"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProcessor struct {
	got    [][]mail.Notification
	result reconcile.BatchResult
}

func (p *fakeProcessor) ProcessBatch(_ context.Context, ns []mail.Notification) reconcile.BatchResult {
	p.got = append(p.got, ns)
	if p.result.Failed > 0 {
		return p.result
	}
	return reconcile.BatchResult{Results: make([]reconcile.Result, len(ns))}
}

type denyVerifier struct{}

func (denyVerifier) Verify(*http.Request) (*auth.PushIdentity, error) {
	return nil, errors.New("token expired")
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func gmailPush(data string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(data))
	return `{"message":{"data":"` + enc + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`
}

func TestOutlookValidationHandshake(t *testing.T) {
	p := &fakeProcessor{}
	r := NewRouter(Config{Processor: p, ClientStateSecret: "s3cret"})

	w := do(r, http.MethodPost, "/webhooks/outlook?validationToken=abc123", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Empty(t, p.got)
}

func TestOutlookNotifications(t *testing.T) {
	p := &fakeProcessor{}
	r := NewRouter(Config{Processor: p, ClientStateSecret: "s3cret"})
	state := outlook.ClientState("s3cret", "acct-7", outlook.HintSent)

	body := `{"value":[{"subscriptionId":"sub-1","changeType":"created","clientState":"` + state +
		`","resourceData":{"id":"AAMk1","@odata.etag":"W/\"CQAAAB\""}}]}`
	w := do(r, http.MethodPost, "/webhooks/outlook", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, p.got, 1)
	require.Len(t, p.got[0], 1)
	n := p.got[0][0]
	assert.Equal(t, "acct-7", n.AccountHint)
	assert.Equal(t, "AAMk1", n.ResourceID)
	assert.Equal(t, mail.DirectionSent, n.DirectionHint)

	w = do(r, http.MethodPost, "/webhooks/outlook", `{"value":[{"changeType":"created"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, p.got, 1)
}

func TestGmailPush(t *testing.T) {
	p := &fakeProcessor{}
	r := NewRouter(Config{Processor: p})

	w := do(r, http.MethodPost, "/webhooks/gmail", gmailPush(`{"emailAddress":"Me@Example.com","historyId":105}`))
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, p.got, 1)
	assert.Equal(t, "me@example.com", p.got[0][0].AccountHint)
	assert.Equal(t, "105", p.got[0][0].ChangeVector)

	w = do(r, http.MethodPost, "/webhooks/gmail", gmailPush(`{"emailAddress":"me@example.com"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/webhooks/gmail", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, p.got, 1)
}

func TestGmailPushVerification(t *testing.T) {
	p := &fakeProcessor{}
	r := NewRouter(Config{Processor: p, Verifier: denyVerifier{}})

	w := do(r, http.MethodPost, "/webhooks/gmail", gmailPush(`{"emailAddress":"me@example.com","historyId":1}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, p.got)
}

func TestTransientFailureAsksForRedelivery(t *testing.T) {
	p := &fakeProcessor{result: reconcile.BatchResult{Failed: 1, Retryable: 1}}
	r := NewRouter(Config{Processor: p})
	w := do(r, http.MethodPost, "/webhooks/gmail", gmailPush(`{"emailAddress":"me@example.com","historyId":7}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// a permanent failure is acknowledged so the push service stops retrying
	p.result = reconcile.BatchResult{Failed: 1}
	w = do(r, http.MethodPost, "/webhooks/gmail", gmailPush(`{"emailAddress":"me@example.com","historyId":8}`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz(t *testing.T) {
	w := do(NewRouter(Config{Processor: &fakeProcessor{}}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
