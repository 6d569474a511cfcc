package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/provider/providertest"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/refresh"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

const webhookSecret = "whsec_api_test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type server struct {
	router http.Handler
	engine *tally.Engine
	store  *memory.Store
	prov   *providertest.Provider
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: testNow}
	st := memory.New()
	prov := providertest.New()

	engine := tally.New(st,
		tally.WithProvider(prov),
		tally.WithClock(c.Now),
		tally.WithFetchRetries(0),
		tally.WithLogger(logger),
	)
	sched := refresh.New(engine, engine.Store(),
		refresh.WithClock(c.Now),
		refresh.WithLogger(logger),
	)
	h := api.New(engine, sched,
		api.WithLogger(logger),
		api.WithStripeWebhookSecret(webhookSecret),
	)
	return &server{router: h.Router(""), engine: engine, store: st, prov: prov}
}

func (s *server) subscribe(t *testing.T, userID string, status subscription.Status, cancel bool, periodEnd time.Time) *subscription.Subscription {
	t.Helper()
	ext, client := "sub_ext_"+userID, "cus_"+userID
	s.prov.PutSubscription(subscription.Snapshot{
		ExternalSubscriptionID: ext,
		ExternalClientID:       client,
		Status:                 status,
		CancelAtPeriodEnd:      cancel,
		CurrentPeriodEnd:       &periodEnd,
	})
	synced := testNow.Add(-time.Minute)
	sub := &subscription.Subscription{
		Entity:                 types.Entity{CreatedAt: testNow.Add(-30 * 24 * time.Hour), UpdatedAt: testNow},
		ID:                     id.NewSubscriptionID(),
		UserID:                 userID,
		Status:                 status,
		ExternalClientID:       client,
		ExternalSubscriptionID: ext,
		CancelAtPeriodEnd:      cancel,
		CurrentPeriodEnd:       periodEnd,
		LastAPISync:            &synced,
	}
	if err := s.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

func (s *server) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return s.serve(t, req)
}

func (s *server) serve(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func TestRequestValidation(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   string
	}{
		{"missing subscription id", http.MethodPost, "/reactivate", map[string]any{}, "subscriptionId is required"},
		{"missing user id", http.MethodPost, "/sync-subscription", map[string]any{"userId": ""}, "userId is required"},
		{"padded user id", http.MethodPost, "/cancel", map[string]any{"userId": " u1 "}, "userId must be an identifier without surrounding whitespace"},
		{"malformed body", http.MethodPost, "/apply-referral-credit", "{", "body must be a JSON object"},
		{"missing visibility flag", http.MethodPost, "/visibility", map[string]any{"userId": "u1"}, "visible is required"},
		{"unknown role", http.MethodGet, "/subscription/u1?role=admin", nil, "role must be one of: owner collaborator viewer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, tt.method, tt.path, tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%v)", code, body)
			}
			if body["error"] != tt.want {
				t.Errorf("error = %q, want %q", body["error"], tt.want)
			}
		})
	}
}

func TestReactivate(t *testing.T) {
	t.Run("pending cancellation is cleared", func(t *testing.T) {
		s := newServer(t)
		sub := s.subscribe(t, "u1", subscription.StatusActive, true, testNow.Add(5*24*time.Hour))

		code, body := s.do(t, http.MethodPost, "/reactivate", map[string]any{"subscriptionId": sub.ExternalSubscriptionID})
		if code != http.StatusOK {
			t.Fatalf("status = %d (%v)", code, body)
		}
		if body["status"] != "success" || body["outcome"] != "reactivated" {
			t.Fatalf("body = %v", body)
		}
		got := body["subscription"].(map[string]any)
		if got["cancel_at_period_end"] != false || got["status"] != "active" {
			t.Errorf("subscription = %v", got)
		}
	})

	t.Run("ended subscription is terminal", func(t *testing.T) {
		s := newServer(t)
		sub := s.subscribe(t, "u1", subscription.StatusCanceled, true, testNow.Add(-time.Hour))

		code, body := s.do(t, http.MethodPost, "/reactivate", map[string]any{"subscriptionId": sub.ExternalSubscriptionID})
		if code != http.StatusBadRequest || body["error"] != tally.ReasonSubscriptionEnded {
			t.Fatalf("got %d %v", code, body)
		}
		if n := s.prov.Calls(providertest.OpUpdateSubscription); n != 0 {
			t.Errorf("update calls = %d, want 0", n)
		}
	})

	t.Run("unknown subscription", func(t *testing.T) {
		s := newServer(t)
		code, body := s.do(t, http.MethodPost, "/reactivate", map[string]any{"subscriptionId": "sub_missing"})
		if code != http.StatusNotFound {
			t.Fatalf("got %d %v", code, body)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Run("not entitled", func(t *testing.T) {
		s := newServer(t)
		s.subscribe(t, "u1", subscription.StatusCanceled, false, testNow.Add(-time.Hour))

		code, body := s.do(t, http.MethodPost, "/cancel", map[string]any{"userId": "u1"})
		if code != http.StatusBadRequest {
			t.Fatalf("got %d %v", code, body)
		}
	})

	t.Run("provider failure is masked", func(t *testing.T) {
		s := newServer(t)
		s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(24*time.Hour))
		s.prov.FailAlways(providertest.OpUpdateSubscription,
			provider.Retryable(providertest.OpUpdateSubscription, errors.New("stripe: connection reset by 10.0.0.7")))

		code, body := s.do(t, http.MethodPost, "/cancel", map[string]any{"userId": "u1"})
		if code != http.StatusServiceUnavailable || body["error"] != api.MessageProviderUnavailable {
			t.Fatalf("got %d %v", code, body)
		}
	})

	t.Run("schedules cancellation", func(t *testing.T) {
		s := newServer(t)
		s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(24*time.Hour))

		code, body := s.do(t, http.MethodPost, "/cancel", map[string]any{"userId": "u1"})
		if code != http.StatusOK {
			t.Fatalf("got %d %v", code, body)
		}
		got := body["subscription"].(map[string]any)
		if got["cancel_at_period_end"] != true {
			t.Errorf("subscription = %v", got)
		}
	})
}

func TestSyncSubscription(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodPost, "/sync-subscription", map[string]any{"userId": "nobody"})
	if code != http.StatusOK || body["status"] != string(tally.SyncNoSubscription) {
		t.Fatalf("got %d %v", code, body)
	}

	s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(24*time.Hour))
	s.prov.PutSubscription(subscription.Snapshot{
		ExternalSubscriptionID: "sub_ext_u1",
		ExternalClientID:       "cus_u1",
		Status:                 subscription.StatusPastDue,
	})
	code, body = s.do(t, http.MethodPost, "/sync-subscription", map[string]any{"userId": "u1"})
	if code != http.StatusOK || body["status"] != string(tally.SyncUpdated) {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestGetSubscription(t *testing.T) {
	s := newServer(t)
	s.subscribe(t, "u1", subscription.StatusActive, true, testNow.Add(24*time.Hour))

	tests := []struct {
		role      string
		canInvite bool
		canEdit   bool
	}{
		{"owner", true, true},
		{"collaborator", false, true},
		{"viewer", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			code, body := s.do(t, http.MethodGet, "/subscription/u1?role="+tt.role, nil)
			if code != http.StatusOK {
				t.Fatalf("got %d %v", code, body)
			}
			if body["entitled"] != true {
				t.Errorf("entitled = %v", body["entitled"])
			}
			caps := body["capabilities"].(map[string]any)
			if caps["can_invite"] != tt.canInvite || caps["can_edit"] != tt.canEdit {
				t.Errorf("capabilities = %v", caps)
			}
		})
	}

	if n := s.prov.Calls(providertest.OpGetSubscription); n != 0 {
		t.Errorf("fresh mirror reached the provider %d times", n)
	}

	code, body := s.do(t, http.MethodGet, "/subscription/nobody", nil)
	if code != http.StatusOK || body["entitled"] != false || body["outcome"] != string(tally.SyncNoSubscription) {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestVisibility(t *testing.T) {
	s := newServer(t)
	s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(24*time.Hour))

	code, body := s.do(t, http.MethodPost, "/visibility", map[string]any{"userId": "u1", "visible": false})
	if code != http.StatusOK || body["visible"] != false {
		t.Fatalf("hidden: got %d %v", code, body)
	}
	code, body = s.do(t, http.MethodPost, "/visibility", map[string]any{"userId": "u1", "visible": true})
	if code != http.StatusOK || body["entitled"] != true {
		t.Fatalf("visible: got %d %v", code, body)
	}
}

func TestReferralFlow(t *testing.T) {
	s := newServer(t)
	s.subscribe(t, "referrer", subscription.StatusActive, false, testNow.Add(20*24*time.Hour))
	s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(20*24*time.Hour))
	s.prov.PutInvoice(invoice.Invoice{
		ID:        "in_1",
		AccountID: "cus_u1",
		Status:    invoice.StatusOpen,
		AmountDue: types.EUR(4900),
		CreatedAt: testNow.Add(-time.Hour),
	})

	code, body := s.do(t, http.MethodPost, "/claim-pending-referral", map[string]any{"userId": "u1"})
	if code != http.StatusNotFound || body["error"] != "referral not found" {
		t.Fatalf("claim before referral: got %d %v", code, body)
	}

	code, body = s.do(t, http.MethodPost, "/referrals", map[string]any{"userId": "referrer"})
	if code != http.StatusOK {
		t.Fatalf("register: got %d %v", code, body)
	}
	ref := body["referral"].(map[string]any)
	refCode, _ := ref["referral_code"].(string)
	if refCode == "" {
		t.Fatalf("referral without code: %v", ref)
	}

	code, body = s.do(t, http.MethodPost, "/claim-referral", map[string]any{"code": refCode, "userId": "referrer"})
	if code != http.StatusBadRequest {
		t.Fatalf("self referral: got %d %v", code, body)
	}
	code, body = s.do(t, http.MethodPost, "/claim-referral", map[string]any{"code": refCode, "userId": "u1"})
	if code != http.StatusOK {
		t.Fatalf("claim: got %d %v", code, body)
	}

	code, body = s.do(t, http.MethodPost, "/claim-pending-referral", map[string]any{"userId": "u1"})
	if code != http.StatusOK || body["success"] != true || body["referralId"] == nil {
		t.Fatalf("claim pending: got %d %v", code, body)
	}

	code, body = s.do(t, http.MethodPost, "/apply-referral-credit", map[string]any{"userId": "u1"})
	if code != http.StatusOK {
		t.Fatalf("apply: got %d %v", code, body)
	}
	if body["creditApplied"] != true || body["invoiceId"] != "in_1" || body["discountAmount"] != 250.0 {
		t.Fatalf("apply body = %v", body)
	}

	code, body = s.do(t, http.MethodPost, "/apply-referral-credit", map[string]any{"userId": "u1"})
	if code != http.StatusOK || body["noOp"] != true || body["creditApplied"] != false {
		t.Fatalf("second apply: got %d %v", code, body)
	}
	if n := s.prov.Calls(providertest.OpApplyDiscount); n != 1 {
		t.Errorf("discount calls = %d, want 1", n)
	}

	list, err := s.store.ListReferrals(context.Background(), referral.ListOpts{ReferredUserID: "u1"})
	if err != nil || len(list) != 1 || list[0].Status != referral.StatusRewarded {
		t.Fatalf("stored referral = %+v, %v", list, err)
	}
}

func TestDeleteAccount(t *testing.T) {
	s := newServer(t)
	s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(24*time.Hour))

	code, body := s.do(t, http.MethodPost, "/delete-account", map[string]any{"userId": "u1"})
	if code != http.StatusOK || body["deleted"] != 1.0 {
		t.Fatalf("got %d %v", code, body)
	}
	code, body = s.do(t, http.MethodGet, "/subscription/u1", nil)
	if code != http.StatusOK || body["entitled"] != false {
		t.Fatalf("after delete: got %d %v", code, body)
	}
}

func signed(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(sp.Payload))
	req.Header.Set("Stripe-Signature", sp.Header)
	return req
}

func TestStripeWebhook(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		s := newServer(t)
		code, body := s.serve(t, signed(t, "whsec_wrong", `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`))
		if code != http.StatusBadRequest || body["error"] != "invalid webhook signature" {
			t.Fatalf("got %d %v", code, body)
		}
	})

	t.Run("portal cancellation is mirrored", func(t *testing.T) {
		s := newServer(t)
		sub := s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(24*time.Hour))
		end := testNow.Add(24 * time.Hour)
		s.prov.PutSubscription(subscription.Snapshot{
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			ExternalClientID:       sub.ExternalClientID,
			Status:                 subscription.StatusActive,
			CancelAtPeriodEnd:      true,
			CurrentPeriodEnd:       &end,
		})

		code, body := s.serve(t, signed(t, webhookSecret,
			`{"id":"evt_2","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_ext_u1","customer":"cus_u1","status":"active","cancel_at_period_end":true}}}`))
		if code != http.StatusOK || body["received"] != true {
			t.Fatalf("got %d %v", code, body)
		}

		got, err := s.store.GetSubscription(context.Background(), sub.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.CancelAtPeriodEnd {
			t.Errorf("mirror not updated: %+v", got)
		}
	})

	t.Run("checkout creates the mirror row", func(t *testing.T) {
		s := newServer(t)
		end := testNow.Add(30 * 24 * time.Hour)
		s.prov.PutSubscription(subscription.Snapshot{
			ExternalSubscriptionID: "sub_new",
			ExternalClientID:       "cus_new",
			Status:                 subscription.StatusActive,
			CurrentPeriodEnd:       &end,
		})

		code, body := s.serve(t, signed(t, webhookSecret,
			`{"id":"evt_3","object":"event","type":"checkout.session.completed","data":{"object":{"client_reference_id":"u9","customer":"cus_new","subscription":"sub_new","mode":"subscription"}}}`))
		if code != http.StatusOK {
			t.Fatalf("got %d %v", code, body)
		}
		got, err := s.store.GetLatestSubscription(context.Background(), "u9")
		if err != nil || got.ExternalSubscriptionID != "sub_new" {
			t.Fatalf("latest = %+v, %v", got, err)
		}
	})

	t.Run("large event is read whole", func(t *testing.T) {
		s := newServer(t)
		pad := strings.Repeat("x", 200<<10)
		code, body := s.serve(t, signed(t, webhookSecret,
			`{"id":"evt_5","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","description":"`+pad+`"}}}`))
		if code != http.StatusOK {
			t.Fatalf("got %d %v", code, body)
		}
	})

	t.Run("oversized event is refused", func(t *testing.T) {
		s := newServer(t)
		pad := strings.Repeat("x", 5<<20)
		code, body := s.serve(t, signed(t, webhookSecret,
			`{"id":"evt_6","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","description":"`+pad+`"}}}`))
		if code != http.StatusRequestEntityTooLarge {
			t.Fatalf("got %d %v", code, body)
		}
	})

	t.Run("ignored event is acknowledged", func(t *testing.T) {
		s := newServer(t)
		code, _ := s.serve(t, signed(t, webhookSecret, `{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
		if code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
	})
}

func TestReferrerInfoAndList(t *testing.T) {
	s := newServer(t)

	_, body := s.do(t, http.MethodPost, "/referrals", map[string]any{"userId": "referrer"})
	refCode := body["referral"].(map[string]any)["referral_code"].(string)

	info := func() map[string]any {
		t.Helper()
		code, body := s.do(t, http.MethodPost, "/referrer-info", map[string]any{"referralCode": refCode})
		if code != http.StatusOK || body["success"] != true {
			t.Fatalf("referrer-info: got %d %v", code, body)
		}
		return body["referrer"].(map[string]any)
	}

	if got := info(); got["referrerUserId"] != "referrer" || got["claimable"] != true || got["status"] != "pending" {
		t.Fatalf("before claim: %v", got)
	}
	if code, body := s.do(t, http.MethodPost, "/claim-referral", map[string]any{"code": refCode, "userId": "u1"}); code != http.StatusOK {
		t.Fatalf("claim: got %d %v", code, body)
	}
	if got := info(); got["claimable"] != false {
		t.Errorf("after claim: %v", got)
	}

	code, body := s.do(t, http.MethodPost, "/referrer-info", map[string]any{"referralCode": "REF-NOPE"})
	if code != http.StatusNotFound || body["error"] != "referral not found" {
		t.Errorf("unknown code: got %d %v", code, body)
	}

	tests := []struct {
		userID string
		want   int
	}{
		{"referrer", 1},
		{"nobody", 0},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			code, body := s.do(t, http.MethodGet, "/referrals/"+tt.userID, nil)
			if code != http.StatusOK {
				t.Fatalf("got %d %v", code, body)
			}
			list, ok := body["referrals"].([]any)
			if !ok || len(list) != tt.want {
				t.Fatalf("referrals = %v, want %d", body["referrals"], tt.want)
			}
		})
	}
}

func TestListInvoices(t *testing.T) {
	s := newServer(t)
	s.subscribe(t, "u1", subscription.StatusActive, false, testNow.Add(20*24*time.Hour))
	for i, st := range []invoice.Status{invoice.StatusPaid, invoice.StatusPaid, invoice.StatusOpen} {
		s.prov.PutInvoice(invoice.Invoice{
			ID:        fmt.Sprintf("in_%d", i),
			AccountID: "cus_u1",
			Status:    st,
			AmountDue: types.EUR(4900),
			CreatedAt: testNow.Add(time.Duration(i-3) * 30 * 24 * time.Hour),
		})
	}

	code, body := s.do(t, http.MethodGet, "/invoices/u1", nil)
	if code != http.StatusOK {
		t.Fatalf("got %d %v", code, body)
	}
	list := body["invoices"].([]any)
	if len(list) != 3 {
		t.Fatalf("invoices = %v", list)
	}
	if first := list[0].(map[string]any); first["id"] != "in_2" || first["status"] != "open" {
		t.Errorf("newest first: got %v", first)
	}

	code, body = s.do(t, http.MethodGet, "/invoices/ghost", nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown user: got %d %v", code, body)
	}
}
