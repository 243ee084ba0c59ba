package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

type received struct {
	headers http.Header
	body    []byte
}

type receiver struct {
	mu     sync.Mutex
	got    []received
	status int
}

func newReceiver(status int) (*receiver, *httptest.Server) {
	r := &receiver{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, received{headers: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(r.status)
	}))
	return r, srv
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fixture struct {
	disp  *Dispatcher
	repo  repositories.WebhookRepository
	owner uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	repo := repositories.NewWebhookRepository(database)
	return &fixture{
		disp:  NewDispatcher(repo, zap.NewNop()),
		repo:  repo,
		owner: uuid.New(),
	}
}

func (f *fixture) addHook(t *testing.T, url, secret, eventsJSON string, labID *uuid.UUID) *db.Webhook {
	t.Helper()
	hook := &db.Webhook{
		OwnerID: f.owner, LabID: labID, URL: url,
		Secret: secret, Events: eventsJSON, Enabled: true,
	}
	require.NoError(t, f.repo.Create(context.Background(), hook))
	return hook
}

func TestDeliveryHeadersAndSignature(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()
	f := newFixture(t)
	hook := f.addHook(t, srv.URL, "s3cret", `["lab.deploy_complete"]`, nil)
	ctx := context.Background()

	labID := uuid.New()
	event := events.New(events.LabDeployComplete, f.owner)
	event.LabID = &labID

	f.disp.Publish(ctx, event)
	f.disp.Wait()

	require.Equal(t, 1, recv.count())
	got := recv.got[0]
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, userAgent, got.headers.Get("User-Agent"))
	assert.Equal(t, events.LabDeployComplete, got.headers.Get("X-Webhook-Event"))
	assert.Equal(t, event.ID.String(), got.headers.Get("X-Webhook-Delivery"))

	// Signature covers the exact body bytes.
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(got.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)),
		got.headers.Get("X-Webhook-Signature"))

	deliveries, _, err := f.repo.ListDeliveries(ctx, hook.ID, repositories.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, http.StatusOK, deliveries[0].StatusCode)

	updated, err := f.repo.GetByID(ctx, hook.ID)
	require.NoError(t, err)
	assert.True(t, updated.LastDeliveryOK)
	assert.Equal(t, http.StatusOK, updated.LastDeliveryStatus)
}

func TestNoSignatureWithoutSecret(t *testing.T) {
	recv, srv := newReceiver(http.StatusNoContent)
	defer srv.Close()
	f := newFixture(t)
	f.addHook(t, srv.URL, "", `["test"]`, nil)

	f.disp.Publish(context.Background(), events.New(events.Test, f.owner))
	f.disp.Wait()

	require.Equal(t, 1, recv.count())
	assert.Empty(t, recv.got[0].headers.Get("X-Webhook-Signature"))
}

func TestEventFilterAndLabScope(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()
	f := newFixture(t)

	labA := uuid.New()
	labB := uuid.New()
	f.addHook(t, srv.URL, "", `["job.failed"]`, &labA)

	// Wrong event name.
	ev := events.New(events.JobCompleted, f.owner)
	ev.LabID = &labA
	f.disp.Publish(context.Background(), ev)

	// Right event, wrong lab.
	ev = events.New(events.JobFailed, f.owner)
	ev.LabID = &labB
	f.disp.Publish(context.Background(), ev)

	// Right event, right lab.
	ev = events.New(events.JobFailed, f.owner)
	ev.LabID = &labA
	f.disp.Publish(context.Background(), ev)

	f.disp.Wait()
	assert.Equal(t, 1, recv.count())
}

func TestDisabledHookSkipped(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()
	f := newFixture(t)
	hook := f.addHook(t, srv.URL, "", `["test"]`, nil)
	hook.Enabled = false
	require.NoError(t, f.repo.Update(context.Background(), hook))

	f.disp.Publish(context.Background(), events.New(events.Test, f.owner))
	f.disp.Wait()

	assert.Zero(t, recv.count())
}

func TestFailedDeliveryAudited(t *testing.T) {
	recv, srv := newReceiver(http.StatusBadGateway)
	defer srv.Close()
	f := newFixture(t)
	hook := f.addHook(t, srv.URL, "", `["test"]`, nil)
	ctx := context.Background()

	f.disp.Publish(ctx, events.New(events.Test, f.owner))
	f.disp.Wait()

	require.Equal(t, 1, recv.count())
	deliveries, _, err := f.repo.ListDeliveries(ctx, hook.ID, repositories.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.False(t, deliveries[0].Success)
	assert.Equal(t, http.StatusBadGateway, deliveries[0].StatusCode)

	updated, err := f.repo.GetByID(ctx, hook.ID)
	require.NoError(t, err)
	assert.False(t, updated.LastDeliveryOK)
}

func TestCustomHeadersMerge(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()
	f := newFixture(t)
	hook := f.addHook(t, srv.URL, "", `["test"]`, nil)
	hook.CustomHeaders = `{"Authorization":"Bearer tok","User-Agent":"custom/1"}`
	require.NoError(t, f.repo.Update(context.Background(), hook))

	f.disp.Publish(context.Background(), events.New(events.Test, f.owner))
	f.disp.Wait()

	require.Equal(t, 1, recv.count())
	assert.Equal(t, "Bearer tok", recv.got[0].headers.Get("Authorization"))
	assert.Equal(t, "custom/1", recv.got[0].headers.Get("User-Agent"), "custom headers override")
}

func TestTestDeliverySendsSyntheticEvent(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()
	f := newFixture(t)
	hook := f.addHook(t, srv.URL, "", `["lab.deploy_complete"]`, nil)

	require.NoError(t, f.disp.Test(context.Background(), hook))

	require.Equal(t, 1, recv.count())
	assert.Equal(t, events.Test, recv.got[0].headers.Get("X-Webhook-Event"))
}

func TestUnreachableReceiverRecordsError(t *testing.T) {
	f := newFixture(t)
	hook := f.addHook(t, "http://127.0.0.1:1/hook", "", `["test"]`, nil)
	ctx := context.Background()

	f.disp.Publish(ctx, events.New(events.Test, f.owner))
	f.disp.Wait()

	deliveries, _, err := f.repo.ListDeliveries(ctx, hook.ID, repositories.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.False(t, deliveries[0].Success)
	assert.Zero(t, deliveries[0].StatusCode)
	assert.NotEmpty(t, deliveries[0].Error)
}
