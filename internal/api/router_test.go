package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"checkoutledger/internal/catalog"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/httpx"
	"checkoutledger/internal/inventory"
	"checkoutledger/internal/lifecycle"
	"checkoutledger/internal/reporting"
	"checkoutledger/internal/store/memory"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type testServer struct {
	*httptest.Server
	t *testing.T
}

func setupServer(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()
	st := memory.New()
	logger, _ := test.NewNullLogger()
	ledger := circulation.NewService(st, circulation.WithLogger(logger))
	deps := Dependencies{
		Store:       st,
		Catalog:     catalog.NewService(st, catalog.WithLogger(logger)),
		Ledger:      ledger,
		Monitor:     lifecycle.NewMonitor(st, ledger, lifecycle.WithLogger(logger)),
		Reports:     reporting.NewProjector(st, reporting.WithLogger(logger)),
		Logger:      logger,
		Idempotency: NewIdempotencyCache(time.Hour),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, t: t}
}

func (s *testServer) do(method, path string, body any, header map[string]string) *http.Response {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createItem(total, threshold int) inventory.Item {
	s.t.Helper()
	resp := s.do(http.MethodPost, "/items", map[string]any{
		"name": "Velvet dress", "category": "dresses", "total_quantity": total, "low_stock_threshold": threshold,
	}, nil)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	return decode[inventory.Item](s.t, resp)
}

func (s *testServer) getItem(id fmt.Stringer) inventory.Item {
	s.t.Helper()
	resp := s.do(http.MethodGet, "/items/"+id.String(), nil, nil)
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	return decode[inventory.Item](s.t, resp)
}

func TestCheckoutFlow(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(5, 1)

	resp := s.do(http.MethodPost, "/checkouts", map[string]any{
		"item_id": item.ID, "holder_id": "alice", "quantity": 5,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[inventory.CheckoutRecord](t, resp)
	assert.Equal(t, inventory.StateActive, first.State)
	assert.Equal(t, 0, s.getItem(item.ID).AvailableQuantity)

	resp = s.do(http.MethodPost, "/checkouts", map[string]any{
		"item_id": item.ID, "holder_id": "bob", "quantity": 1,
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[httpx.ErrorBody](t, resp)
	assert.Equal(t, "insufficient_stock", body.Code)
	require.NotNil(t, body.Remaining)
	assert.Equal(t, 0, *body.Remaining)

	resp = s.do(http.MethodPost, "/checkouts/"+first.ID.String()+"/return", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, s.getItem(item.ID).AvailableQuantity)

	resp = s.do(http.MethodGet, "/reports/low-stock", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]inventory.Item](t, resp))

	resp = s.do(http.MethodPost, "/checkouts", map[string]any{
		"item_id": item.ID, "holder_id": "carol", "quantity": 3,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	lost := decode[inventory.CheckoutRecord](t, resp)

	resp = s.do(http.MethodPost, "/checkouts/"+lost.ID.String()+"/lost", map[string]string{"actor": "desk"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := s.getItem(item.ID)
	assert.Equal(t, 2, got.TotalQuantity)
	assert.Equal(t, 2, got.AvailableQuantity)

	resp = s.do(http.MethodPost, "/checkouts/"+lost.ID.String()+"/return", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", decode[httpx.ErrorBody](t, resp).Code)

	resp = s.do(http.MethodGet, "/items/"+item.ID.String()+"/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]inventory.Event](t, resp), 5)
}

func TestConcurrentCheckoutPreventsDoubleBooking(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(1, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[int]int{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]any{
				"item_id": item.ID, "holder_id": fmt.Sprintf("member-%d", i), "quantity": 1,
			})
			resp, err := http.Post(s.URL+"/checkouts", "application/json", bytes.NewReader(payload))
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[http.StatusCreated])
	assert.Equal(t, 9, statuses[http.StatusConflict])
	assert.Equal(t, 0, s.getItem(item.ID).AvailableQuantity)
}

func TestErrorMapping(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(2, 0)

	resp := s.do(http.MethodPost, "/checkouts", map[string]any{"item_id": item.ID, "holder_id": "a", "quantity": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[httpx.ErrorBody](t, resp)
	assert.Equal(t, "validation", body.Code)
	assert.Equal(t, "quantity", body.Field)

	resp = s.do(http.MethodPost, "/items", map[string]any{"name": "x", "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(http.MethodGet, "/items/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(http.MethodGet, "/checkouts/6f1c1d4e-8a39-4c1f-9d55-0b7b0c8f2a11", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodPost, "/checkouts", map[string]any{"item_id": item.ID, "holder_id": "a", "quantity": 2}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.do(http.MethodPost, "/items/"+item.ID.String()+"/adjust", map[string]any{"delta": -1, "reason": "damaged"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invariant_violation", decode[httpx.ErrorBody](t, resp).Code)

	resp = s.do(http.MethodDelete, "/items/"+item.ID.String(), nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestIdempotentReserve(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(3, 0)
	key := map[string]string{HeaderIdempotencyKey: "order-42"}
	req := map[string]any{"item_id": item.ID, "holder_id": "alice", "quantity": 1}

	first := s.do(http.MethodPost, "/checkouts", req, key)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	rec := decode[inventory.CheckoutRecord](t, first)

	replay := s.do(http.MethodPost, "/checkouts", req, key)
	require.Equal(t, http.StatusCreated, replay.StatusCode)
	assert.Equal(t, "true", replay.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, rec.ID, decode[inventory.CheckoutRecord](t, replay).ID)
	assert.Equal(t, 2, s.getItem(item.ID).AvailableQuantity)

	req["quantity"] = 2
	reused := s.do(http.MethodPost, "/checkouts", req, key)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.StatusCode)
	assert.Equal(t, "idempotency_key_reused", decode[httpx.ErrorBody](t, reused).Code)
}

func TestFailedReserveDoesNotConsumeIdempotencyKey(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(1, 0)
	key := map[string]string{HeaderIdempotencyKey: "retry-me"}
	req := map[string]any{"item_id": item.ID, "holder_id": "alice", "quantity": 2}

	resp := s.do(http.MethodPost, "/checkouts", req, key)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(http.MethodPost, "/items/"+item.ID.String()+"/adjust", map[string]any{"delta": 1}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPost, "/checkouts", req, key)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))
}

func TestRateLimitAppliesToWritesOnly(t *testing.T) {
	s := setupServer(t, func(d *Dependencies) {
		d.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	})
	item := s.createItem(1, 0)

	resp := s.do(http.MethodPost, "/items", map[string]any{"name": "second", "total_quantity": 1}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	for i := 0; i < 3; i++ {
		s.getItem(item.ID)
	}
}

// withLedgerClock rebuilds the ledger and monitor so checkouts are issued at
// the given instant. Sweeps over HTTP only accept past instants.
func withLedgerClock(issuedAt time.Time) func(*Dependencies) {
	return func(d *Dependencies) {
		logger, _ := test.NewNullLogger()
		clock := func() time.Time { return issuedAt }
		d.Ledger = circulation.NewService(d.Store, circulation.WithLogger(logger), circulation.WithClock(clock))
		d.Monitor = lifecycle.NewMonitor(d.Store, d.Ledger, lifecycle.WithLogger(logger), lifecycle.WithClock(clock))
	}
}

func TestSweepAndReportsOverHTTP(t *testing.T) {
	issued := time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Second)
	s := setupServer(t, withLedgerClock(issued))
	item := s.createItem(3, 0)
	due := issued.Add(time.Hour)

	resp := s.do(http.MethodPost, "/checkouts", map[string]any{
		"item_id": item.ID, "holder_id": "mia", "quantity": 1, "due_at": due,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	later := due.Add(49 * time.Hour).Format(time.RFC3339)
	resp = s.do(http.MethodPost, "/maintenance/sweep-overdue?now="+later, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[lifecycle.SweepResult](t, resp).Transitioned)

	resp = s.do(http.MethodPost, "/maintenance/sweep-overdue?now="+later, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[lifecycle.SweepResult](t, resp).Transitioned)

	resp = s.do(http.MethodGet, "/reports/overdue?now="+later, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	overdue := decode[[]reporting.OverdueEntry](t, resp)
	require.Len(t, overdue, 1)
	assert.Equal(t, 2, overdue[0].DaysOverdue)

	resp = s.do(http.MethodGet, "/reports/holder/mia?now="+later, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[reporting.HolderStatus](t, resp)
	assert.Equal(t, 1, status.OverdueCount)
	assert.Equal(t, 0, status.ActiveCount)

	resp = s.do(http.MethodGet, "/reports/inventory", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inv := decode[[]reporting.ItemStatus](t, resp)
	require.Len(t, inv, 1)
	assert.Equal(t, 1, inv[0].CheckedOut)

	resp = s.do(http.MethodGet, "/reports/missing?now="+later, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]reporting.MissingEntry](t, resp), 1)

	resp = s.do(http.MethodGet, "/reports/overdue?now=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSweepRejectsFutureInstant(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(2, 0)
	due := time.Now().UTC().Add(72 * time.Hour)

	resp := s.do(http.MethodPost, "/checkouts", map[string]any{
		"item_id": item.ID, "holder_id": "noor", "quantity": 1, "due_at": due,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[inventory.CheckoutRecord](t, resp)

	future := time.Now().UTC().Add(30 * 24 * time.Hour).Format(time.RFC3339)
	resp = s.do(http.MethodPost, "/maintenance/sweep-overdue?now="+future, nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[httpx.ErrorBody](t, resp)
	assert.Equal(t, "validation", body.Code)
	assert.Equal(t, "now", body.Field)

	resp = s.do(http.MethodGet, "/checkouts/"+rec.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, inventory.StateActive, decode[inventory.CheckoutRecord](t, resp).State)

	resp = s.do(http.MethodPost, "/maintenance/sweep-overdue", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[lifecycle.SweepResult](t, resp).Transitioned)
}

func TestBatchCheckoutOverHTTP(t *testing.T) {
	s := setupServer(t, nil)
	hat := s.createItem(2, 0)
	cane := s.createItem(1, 0)

	resp := s.do(http.MethodPost, "/checkouts/batch", map[string]any{
		"holder_id": "troupe",
		"lines": []map[string]any{
			{"item_id": hat.ID, "quantity": 1},
			{"item_id": cane.ID, "quantity": 1},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[circulation.BatchResult](t, resp)
	assert.Len(t, res.Records, 2)

	resp = s.do(http.MethodGet, "/checkouts/"+res.Records[0].ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, res.BatchID, *decode[inventory.CheckoutRecord](t, resp).BatchID)
}

func TestItemEndpoints(t *testing.T) {
	s := setupServer(t, nil)
	item := s.createItem(4, 0)

	resp := s.do(http.MethodPatch, "/items/"+item.ID.String(), map[string]any{"name": "Silk dress", "condition": "good"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[inventory.Item](t, resp)
	assert.Equal(t, "Silk dress", updated.Name)
	assert.Equal(t, inventory.ConditionGood, updated.Condition)

	resp = s.do(http.MethodPost, "/items/"+item.ID.String()+"/recount", map[string]any{"counted": 6}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 6, decode[inventory.Item](t, resp).TotalQuantity)

	resp = s.do(http.MethodGet, "/items?category=dresses&available=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]inventory.Item](t, resp), 1)

	resp = s.do(http.MethodGet, "/items?available=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	s := setupServer(t, nil)
	resp := s.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
