package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mW "github.com/ruralpay/equb/internal/middleware"
	"github.com/ruralpay/equb/internal/services"
	"github.com/ruralpay/equb/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiResponse struct {
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	BidID     string            `json:"bidId"`
	RequestID string            `json:"requestId"`
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Details   map[string]string `json:"details"`
}

type testServer struct {
	engine *services.Engine
	clock  *testClock
	router chi.Router
	redis  redismock.ClientMock
}

// asMember stands in for AuthMiddleware: the X-Member header names the caller.
func asMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Member"); id != "" {
			ctx = mW.WithMemberID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	engine := services.NewEngine(store.NewMemoryStore(), nil,
		services.WithClock(clock.Now),
		services.WithRand(services.NewRand(1)),
	)
	client, redisMock := redismock.NewClientMock()

	r := chi.NewRouter()
	r.Use(asMember)
	Routes(r,
		NewPoolHandler(engine),
		NewPaymentHandler(engine),
		NewRequestHandler(engine),
		NewQRHandler(services.NewPaymentQRService(engine, client, time.Minute)),
	)
	return &testServer{engine: engine, clock: clock, router: r, redis: redisMock}
}

func (s *testServer) do(t *testing.T, method, path, member, body string) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if member != "" {
		req.Header.Set("X-Member", member)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func (s *testServer) createPool(t *testing.T, creator string) string {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/pools", creator,
		`{"name":"market","amount":"200","max_members":2,"cycle_seconds":3600}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var pool struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &pool))
	return pool.ID
}

func TestCreatePool(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		member string
		body   string
		status int
	}{
		{"unauthenticated", "", `{"name":"a","amount":"10","max_members":2,"cycle_seconds":60}`, http.StatusUnauthorized},
		{"unknown field", "alice", `{"name":"a","amount":"10","max_members":2,"cycle_seconds":60,"extra":1}`, http.StatusBadRequest},
		{"two objects", "alice", `{"name":"a","amount":"10","max_members":2,"cycle_seconds":60}{}`, http.StatusBadRequest},
		{"too many members", "alice", `{"name":"a","amount":"10","max_members":30,"cycle_seconds":60}`, http.StatusBadRequest},
		{"negative amount", "alice", `{"name":"a","amount":"-10","max_members":2,"cycle_seconds":60}`, http.StatusBadRequest},
		{"created", "alice", `{"name":"a","amount":"10","max_members":2,"cycle_seconds":60}`, http.StatusCreated},
		{"duplicate name", "bob", `{"name":"a","amount":"10","max_members":2,"cycle_seconds":60}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := s.do(t, http.MethodPost, "/pools", tt.member, tt.body)
			assert.Equal(t, tt.status, code, resp.Error)
		})
	}

	_, resp := s.do(t, http.MethodPost, "/pools", "alice", `{"name":"b","amount":"10","max_members":30,"cycle_seconds":60}`)
	assert.Equal(t, "lte=20", resp.Details["max_members"])
}

func TestPoolLifecycle(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t, "alice")

	code, resp := s.do(t, http.MethodPost, "/pools/"+poolID+"/join-requests", "bob", "")
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var join struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &join))

	code, resp = s.do(t, http.MethodPut, "/requests/"+join.ID+"/accept", "bob", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, resp = s.do(t, http.MethodPut, "/requests/"+join.ID+"/accept", "alice", "")
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/bids", "bob", `{"amount":"1.5"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bid_out_of_range", resp.Code)

	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/bids", "bob", `{"amount":"0.2"}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	assert.NotEmpty(t, resp.BidID)

	code, resp = s.do(t, http.MethodGet, "/pools/"+poolID, "alice", "")
	require.Equal(t, http.StatusOK, code)
	var status struct {
		Phase        string `json:"phase"`
		CurrentRound int    `json:"current_round"`
		Bidder       string `json:"current_highest_bidder"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, "active", status.Phase)
	assert.Equal(t, 1, status.CurrentRound)
	assert.Equal(t, "bob", status.Bidder)

	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/confirmations", "alice", `{"payment_method":"cash"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "no_winner_yet", resp.Code)

	s.clock.Advance(time.Hour)
	require.NoError(t, s.engine.SelectWinner(context.Background(), poolID, 1))

	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/bids", "alice", `{"amount":"0.3"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "in_payment_stage", resp.Code)

	code, resp = s.do(t, http.MethodGet, "/pools/"+poolID+"/payment-instruction", "alice", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Contains(t, string(resp.Data), `"receiver":"bob"`)

	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/confirmations", "alice", `{"payment_method":"cash","message":"paid"}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	requestID := resp.RequestID

	code, _ = s.do(t, http.MethodGet, "/confirmations/"+requestID, "carol", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodPut, "/confirmations/"+requestID+"/accept", "alice", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, resp = s.do(t, http.MethodPut, "/confirmations/"+requestID+"/accept", "bob", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	code, resp = s.do(t, http.MethodPut, "/confirmations/"+requestID+"/reject", "bob", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_addressed", resp.Code)

	code, resp = s.do(t, http.MethodGet, "/pools/"+poolID, "alice", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, 2, status.CurrentRound)

	code, resp = s.do(t, http.MethodGet, "/pools/"+poolID+"/balances", "alice", "")
	require.Equal(t, http.StatusOK, code)
	var balances []struct {
		MemberID string `json:"member_id"`
		Balance  string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &balances))
	require.Len(t, balances, 2)
	assert.Equal(t, "alice", balances[0].MemberID)
	assert.Equal(t, "-80", balances[0].Balance)
	assert.Equal(t, "180", balances[1].Balance)

	code, resp = s.do(t, http.MethodGet, "/pools/"+poolID+"/ledger", "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(string(resp.Data), `"entry_type":"DEBIT"`))
}

func TestRequests(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t, "alice")

	code, resp := s.do(t, http.MethodPost, "/pools/"+poolID+"/invites", "alice", `{"receiver":""}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Validation failed", resp.Error)

	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/invites", "alice", `{"receiver":"bob"}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	code, resp = s.do(t, http.MethodPost, "/pools/"+poolID+"/invites", "alice", `{"receiver":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "duplicate_request", resp.Code)

	code, resp = s.do(t, http.MethodPost, "/friend-requests", "alice", `{"receiver":"bob"}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var friend struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &friend))
	code, _ = s.do(t, http.MethodPut, "/requests/"+friend.ID+"/reject", "bob", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPut, "/requests/missing/accept", "bob", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodGet, "/pools/missing", "bob", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRedeemQR(t *testing.T) {
	s := newTestServer(t)
	s.redis.ExpectGet("equb:qr:abc").RedisNil()

	code, resp := s.do(t, http.MethodPost, "/payment-qr/redeem", "bob", `{"qrData":"abc"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "payment_qr_not_found", resp.Code)

	code, _ = s.do(t, http.MethodPost, "/payment-qr/redeem", "bob", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NoError(t, s.redis.ExpectationsWereMet())
}
