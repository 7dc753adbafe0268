package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/auth"
	"sportloop.org/internal/directory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("SPORTLOOP_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	api := New(directory.NewInMemory(), activity.NewInMemory(), ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

// signup registers a user and returns a bearer token plus the user id.
func (c *apiClient) signup(username string) (string, string) {
	c.t.Helper()
	resp := c.post("/api/users/register", map[string]any{
		"username": username,
		"email":    username + "@example.com",
		"password": "hunter22",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status: %d", resp.StatusCode)
	}
	reg := decode[envelopeOf[directory.User]](c.t, resp)

	resp = c.post("/api/users/login", map[string]any{
		"username": username,
		"password": "hunter22",
	}, "")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	login := decode[envelopeOf[loginResponse]](c.t, resp)
	if login.Data.Token == "" {
		c.t.Fatal("empty token issued")
	}
	return login.Data.Token, reg.Data.ID
}

func (c *apiClient) createActivity(token string, seats int, price int64) activity.Activity {
	c.t.Helper()
	resp := c.post("/api/activities", map[string]any{
		"title":            "Evening badminton",
		"category":         "badminton",
		"start_time":       time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"end_time":         time.Now().Add(26 * time.Hour).Format(time.RFC3339),
		"price":            price,
		"max_participants": seats,
	}, token)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create activity status: %d", resp.StatusCode)
	}
	return decode[envelopeOf[activity.Activity]](c.t, resp).Data
}

type envelopeOf[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRegisterLoginProfileFlow(t *testing.T) {
	api := newTestAPI(t)
	token, id := api.signup("alice")

	resp := api.get("/api/users/profile", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status: %d", resp.StatusCode)
	}
	profile := decode[envelopeOf[directory.User]](t, resp)
	if profile.Data.ID != id || profile.Data.Username != "alice" {
		t.Fatalf("unexpected profile: %+v", profile.Data)
	}

	// Duplicate username is a business failure, not a transport error.
	resp = api.post("/api/users/register", map[string]any{
		"username": "alice",
		"email":    "other@example.com",
		"password": "hunter22",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate register status: %d", resp.StatusCode)
	}
	env := decode[envelopeOf[any]](t, resp)
	if env.Success {
		t.Fatal("expected success:false for duplicate username")
	}

	// Bad credentials behave the same way.
	resp = api.post("/api/users/login", map[string]any{
		"username": "alice",
		"password": "wrong",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bad login status: %d", resp.StatusCode)
	}
	env = decode[envelopeOf[any]](t, resp)
	if env.Success {
		t.Fatal("expected success:false for bad credentials")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/api/users/profile", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = api.get("/api/users/profile", nil, "garbage-token")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}

	// Public routes stay open.
	resp = api.get("/api/activities", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for public list, got %d", resp.StatusCode)
	}
}

func TestActivityJoinFlow(t *testing.T) {
	api := newTestAPI(t)
	creator, _ := api.signup("creator")
	act := api.createActivity(creator, 1, 0)

	joiner, _ := api.signup("joiner")
	resp := api.post("/api/registrations", map[string]any{"activity_id": act.ID}, joiner)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join status: %d", resp.StatusCode)
	}
	reg := decode[envelopeOf[activity.Registration]](t, resp)
	if reg.Data.Status != activity.RegistrationConfirmed {
		t.Fatalf("unexpected registration: %+v", reg.Data)
	}

	// The activity is now full: a second join fails as a business error.
	other, _ := api.signup("other")
	resp = api.post("/api/registrations", map[string]any{"activity_id": act.ID}, other)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("full join status: %d", resp.StatusCode)
	}
	env := decode[envelopeOf[any]](t, resp)
	if env.Success {
		t.Fatal("expected success:false when activity is full")
	}

	// Cancelling frees the seat.
	resp = api.do(http.MethodDelete, "/api/registrations/"+act.ID, nil, joiner)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status: %d", resp.StatusCode)
	}
	resp = api.post("/api/registrations", map[string]any{"activity_id": act.ID}, other)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("rejoin after cancel status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOrderFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	creator, _ := api.signup("creator")
	act := api.createActivity(creator, 2, 4200)

	buyer, _ := api.signup("buyer")
	resp := api.post("/api/orders", map[string]any{"activity_id": act.ID}, buyer)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order status: %d", resp.StatusCode)
	}
	order := decode[envelopeOf[activity.Order]](t, resp)
	if order.Data.Amount != 4200 || order.Data.OrderNumber == "" {
		t.Fatalf("unexpected order: %+v", order.Data)
	}

	resp = api.post("/api/orders/"+order.Data.OrderNumber+"/pay", nil, buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pay status: %d", resp.StatusCode)
	}
	paid := decode[envelopeOf[activity.Order]](t, resp)
	if paid.Data.Status != activity.OrderPaid {
		t.Fatalf("expected paid order, got %s", paid.Data.Status)
	}

	// Refunding someone else's order is a business failure: the envelope
	// carries the rejection, the HTTP status stays 200.
	stranger, _ := api.signup("stranger")
	resp = api.post("/api/orders/"+order.Data.OrderNumber+"/refund", nil, stranger)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for foreign refund, got %d", resp.StatusCode)
	}
	if env := decode[envelopeOf[any]](t, resp); env.Success {
		t.Fatal("expected success:false refunding a foreign order")
	}

	resp = api.post("/api/orders/"+order.Data.OrderNumber+"/refund", nil, buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund status: %d", resp.StatusCode)
	}
	refunded := decode[envelopeOf[activity.Order]](t, resp)
	if refunded.Data.Status != activity.OrderRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Data.Status)
	}

	resp = api.get("/api/orders/stats", nil, buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status: %d", resp.StatusCode)
	}
	stats := decode[envelopeOf[activity.OrderStats]](t, resp)
	if stats.Data.TotalOrders != 1 || stats.Data.CancelledOrders != 1 {
		t.Fatalf("unexpected stats: %+v", stats.Data)
	}
}

func TestCommentsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	creator, _ := api.signup("creator")
	act := api.createActivity(creator, 5, 0)

	commenter, _ := api.signup("commenter")
	resp := api.post("/api/comments", map[string]any{
		"activity_id": act.ID,
		"content":     "well organised",
		"rating":      5,
	}, commenter)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("comment status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Listing and stats are public.
	resp = api.get("/api/activities/"+act.ID+"/comments", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list comments status: %d", resp.StatusCode)
	}
	page := decode[envelopeOf[activity.CommentPage]](t, resp)
	if page.Data.Total != 1 || page.Data.AverageRating != 5 {
		t.Fatalf("unexpected page: %+v", page.Data)
	}

	resp = api.get("/api/activities/"+act.ID+"/comments/stats", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rating stats status: %d", resp.StatusCode)
	}
	stats := decode[envelopeOf[activity.RatingStats]](t, resp)
	if stats.Data.Distribution[5] != 1 {
		t.Fatalf("unexpected stats: %+v", stats.Data)
	}
}

func TestBusinessFailuresKeepStatus200(t *testing.T) {
	api := newTestAPI(t)
	creator, _ := api.signup("creator")
	act := api.createActivity(creator, 5, 0)

	// Missing record.
	resp := api.get("/api/activities/no-such-id", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missing activity: want 200, got %d", resp.StatusCode)
	}
	if env := decode[envelopeOf[any]](t, resp); env.Success || env.Message == "" {
		t.Fatalf("expected success:false with message, got %+v", env)
	}

	// Wrong owner.
	intruder, intruderID := api.signup("intruder")
	resp = api.do(http.MethodPut, "/api/activities/"+act.ID,
		map[string]any{"description": "mine now"}, intruder)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("foreign update: want 200, got %d", resp.StatusCode)
	}
	if env := decode[envelopeOf[any]](t, resp); env.Success {
		t.Fatal("expected success:false updating a foreign activity")
	}

	// Updating another user's profile.
	resp = api.do(http.MethodPut, "/api/users/"+intruderID,
		map[string]any{"phone": "555-0100"}, creator)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("foreign profile update: want 200, got %d", resp.StatusCode)
	}
	if env := decode[envelopeOf[any]](t, resp); env.Success {
		t.Fatal("expected success:false updating a foreign profile")
	}

	// Unknown user lookup.
	resp = api.get("/api/users/no-such-user", nil, creator)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missing user: want 200, got %d", resp.StatusCode)
	}
	if env := decode[envelopeOf[any]](t, resp); env.Success {
		t.Fatal("expected success:false for unknown user")
	}
}

func TestValidationReturns422(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/users/register", map[string]any{
		"username": "x",
		"email":    "not-an-email",
		"password": "hunter22",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	token, _ := api.signup("alice")
	resp = api.post("/api/registrations", map[string]any{}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing activity_id, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	resp = api.get("/readyz", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status: %d", resp.StatusCode)
	}
}
