package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/columns"
	"boardsync/internal/models"
	"boardsync/internal/services"
)

const testSecret = "s3cret"

type processorCall struct {
	Kind       string
	BoardID    string
	ExternalID string
	Name       string
	Update     services.InboundUpdate
	EntityType models.EntityType
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls []processorCall
	err   error
}

func (f *fakeProcessor) record(c processorCall) (*services.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	return &services.Result{Action: services.ActionApplied, EntityType: c.EntityType, EntityID: 7}, nil
}

func (f *fakeProcessor) ProcessCreate(_ context.Context, boardID, ext, name string, t models.EntityType) (*services.Result, error) {
	return f.record(processorCall{Kind: "create", BoardID: boardID, ExternalID: ext, Name: name, EntityType: t})
}

func (f *fakeProcessor) ProcessUpdate(_ context.Context, u services.InboundUpdate) (*services.Result, error) {
	return f.record(processorCall{Kind: "update", BoardID: u.BoardID, ExternalID: u.ExternalItemID, Update: u, EntityType: u.EntityType})
}

func (f *fakeProcessor) ProcessDelete(_ context.Context, boardID, ext string, t models.EntityType) (*services.Result, error) {
	return f.record(processorCall{Kind: "delete", BoardID: boardID, ExternalID: ext, EntityType: t})
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testRegistry(t *testing.T) *columns.Registry {
	t.Helper()
	contact, err := columns.NewMapping(models.EntityContact, "100", []columns.Column{
		{ID: "email", Field: "email", Kind: columns.Email},
		{ID: "text0", Field: "notes", Kind: columns.Text},
	})
	require.NoError(t, err)
	org, err := columns.NewMapping(models.EntityOrganization, "200", []columns.Column{
		{ID: "text1", Field: "website", Kind: columns.Text},
	})
	require.NoError(t, err)
	reg, err := columns.NewRegistry(contact, org)
	require.NoError(t, err)
	return reg
}

func newWebhook(t *testing.T, mode string) (*WebhookHandler, *fakeProcessor) {
	t.Helper()
	v, err := NewVerifier(mode, testSecret)
	require.NoError(t, err)
	p := &fakeProcessor{}
	return NewWebhookHandler(p, testRegistry(t), v, time.Minute), p
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Issuer("board").IssuedAt(time.Now()).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func post(t *testing.T, h http.Handler, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/board", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) services.Result {
	t.Helper()
	var res services.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestWebhookChallengeSkipsSignature(t *testing.T) {
	h, p := newWebhook(t, SignatureModeJWT)

	rec := post(t, h, `{"challenge":"abc123"}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"abc123"}`, rec.Body.String())
	assert.Zero(t, p.count())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, p := newWebhook(t, SignatureModeJWT)
	body := `{"event":{"type":"create_pulse","boardId":100,"pulseId":1,"pulseName":"x"}}`

	for name, token := range map[string]string{
		"missing":    "",
		"garbage":    "not-a-jwt",
		"wrong key":  signedToken(t, "other"),
		"bearer bad": "Bearer " + signedToken(t, "other"),
	} {
		t.Run(name, func(t *testing.T) {
			rec := post(t, h, body, token)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.Zero(t, p.count())
}

func TestWebhookDispatchesEvents(t *testing.T) {
	h, p := newWebhook(t, SignatureModeJWT)
	tok := signedToken(t, testSecret)

	rec := post(t, h, `{"event":{"type":"create_pulse","boardId":200,"pulseId":5001,"pulseName":"Acme Corp","triggerUuid":"t1"}}`, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.ActionApplied, decodeResult(t, rec).Action)

	rec = post(t, h, `{"event":{"type":"update_column_value","boardId":"100","pulseId":"900","columnId":"text0","value":{"text":"new"},"previousValue":{"text":"old"},"triggerUuid":"t2"}}`, "Bearer "+tok)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h, `{"event":{"type":"delete_pulse","boardId":100,"itemId":900,"triggerUuid":"t3"}}`, tok)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, p.calls, 3)
	assert.Equal(t, processorCall{Kind: "create", BoardID: "200", ExternalID: "5001", Name: "Acme Corp", EntityType: models.EntityOrganization}, p.calls[0])

	upd := p.calls[1]
	assert.Equal(t, "update", upd.Kind)
	assert.Equal(t, models.EntityContact, upd.EntityType)
	assert.Equal(t, "text0", upd.Update.ColumnID)
	assert.JSONEq(t, `{"text":"new"}`, string(upd.Update.NewValue))
	assert.JSONEq(t, `{"text":"old"}`, string(upd.Update.PreviousValue))

	assert.Equal(t, "delete", p.calls[2].Kind)
	assert.Equal(t, "900", p.calls[2].ExternalID)
}

func TestWebhookDeduplicatesDeliveries(t *testing.T) {
	h, p := newWebhook(t, SignatureModeJWT)
	tok := signedToken(t, testSecret)
	withTrigger := `{"event":{"type":"create_pulse","boardId":200,"pulseId":1,"pulseName":"x","triggerUuid":"same"}}`
	noTrigger := `{"event":{"type":"create_pulse","boardId":200,"pulseId":2,"pulseName":"y"}}`

	for _, body := range []string{withTrigger, withTrigger, noTrigger, noTrigger} {
		rec := post(t, h, body, tok)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, p.count())
	res := decodeResult(t, post(t, h, noTrigger, tok))
	assert.Equal(t, services.ActionSkipped, res.Action)
	assert.Equal(t, reasonDuplicateDelivery, res.Reason)
}

func TestWebhookFailureAllowsRedelivery(t *testing.T) {
	h, p := newWebhook(t, SignatureModeJWT)
	tok := signedToken(t, testSecret)
	body := `{"event":{"type":"create_pulse","boardId":200,"pulseId":1,"pulseName":"x","triggerUuid":"t"}}`

	p.err = errors.New("database is locked")
	rec := post(t, h, body, tok)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	p.err = nil
	rec = post(t, h, body, tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, p.count())
}

func TestWebhookSkipsUnknownBoardsAndEvents(t *testing.T) {
	h, p := newWebhook(t, SignatureModeJWT)
	tok := signedToken(t, testSecret)

	res := decodeResult(t, post(t, h, `{"event":{"type":"create_pulse","boardId":999,"pulseId":1,"triggerUuid":"a"}}`, tok))
	assert.Equal(t, reasonUnknownBoard, res.Reason)

	res = decodeResult(t, post(t, h, `{"event":{"type":"move_pulse_into_group","boardId":100,"pulseId":1,"triggerUuid":"b"}}`, tok))
	assert.Equal(t, reasonUnsupportedEvent, res.Reason)
	assert.Zero(t, p.count())

	rec := post(t, h, `{"event":`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(t, h, `{}`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHMACVerifier(t *testing.T) {
	h, p := newWebhook(t, SignatureModeHMAC)
	body := `{"event":{"type":"delete_pulse","boardId":100,"pulseId":900}}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/board", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "sha256="+hex.EncodeToString(Sign([]byte(testSecret), []byte(body))))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/board", strings.NewReader(body))
	req.Header.Set(SignatureHeader, hex.EncodeToString(Sign([]byte("wrong"), []byte(body))))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, 1, p.count())
}

func TestNewVerifier(t *testing.T) {
	_, err := NewVerifier(SignatureModeJWT, "")
	assert.Error(t, err)
	_, err = NewVerifier("rsa", "x")
	assert.Error(t, err)

	v, err := NewVerifier("", "x")
	require.NoError(t, err)
	assert.IsType(t, &JWTVerifier{}, v)
}
