package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camwatch/internal/analyzer"
	"camwatch/internal/auth"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type capture struct {
	path    string
	headers http.Header
	body    map[string]any
}

func newTestServer(t *testing.T, status int, resp string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
		w.WriteHeader(status)
		w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newTestClient(url string) *Client {
	c := NewClient(Config{BaseURL: url + "/", Zones: map[string]string{"zone_a": "Front Aisle"}}, auth.StaticToken("k3y"))
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCreateCleaningTask(t *testing.T) {
	srv, got := newTestServer(t, http.StatusCreated, `{"data":{"id":"task-42","title":"x","status":"open"}}`)
	c := newTestClient(srv.URL)

	f := &analyzer.Finding{
		Kind:         analyzer.KindMess,
		Severity:     analyzer.SeverityHigh,
		SnapshotPath: "/snaps/cam-1_mess.jpg",
		Mess: &analyzer.MessPayload{
			Score:        12,
			ClutterCount: 6,
			Items:        []analyzer.MessItem{{Type: "bottle"}, {Type: "cup"}},
		},
	}

	task, err := c.CreateCleaningTask(context.Background(), "cam-1", "zone_a", f, PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "task-42", task.ID)

	assert.Equal(t, "/tasks", got.path)
	assert.Equal(t, "Bearer k3y", got.headers.Get("Authorization"))
	assert.Equal(t, "camera-ai", got.headers.Get("X-Source"))
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))

	assert.Equal(t, "Cleaning required - Front Aisle", got.body["title"])
	assert.Equal(t, "cleaning", got.body["category"])
	assert.Equal(t, "dept-maintenance", got.body["department_id"])
	assert.Equal(t, "high", got.body["priority"])
	assert.Equal(t, "ai_camera", got.body["source"])
	assert.Equal(t, fixedNow.Add(time.Hour).Format(time.RFC3339), got.body["due_date"])
	assert.Contains(t, got.body["description"], "- bottle")

	ref := got.body["source_reference"].(map[string]any)
	assert.Equal(t, "cam-1", ref["camera_id"])
	assert.Equal(t, "mess", ref["detection_type"])
	assert.EqualValues(t, 12, ref["mess_score"])
	assert.Equal(t, "/snaps/cam-1_mess.jpg", ref["snapshot"])
}

func TestCleaningDueBySeverity(t *testing.T) {
	cases := map[analyzer.Severity]time.Duration{
		analyzer.SeverityLow:      4 * time.Hour,
		analyzer.SeverityMedium:   2 * time.Hour,
		analyzer.SeverityCritical: 30 * time.Minute,
	}
	for sev, due := range cases {
		srv, got := newTestServer(t, http.StatusOK, `{"data":{"id":"t"}}`)
		c := newTestClient(srv.URL)

		_, err := c.CreateCleaningTask(context.Background(), "cam-1", "dock", &analyzer.Finding{Kind: analyzer.KindMess, Severity: sev}, PriorityLow)
		require.NoError(t, err)
		assert.Equal(t, fixedNow.Add(due).Format(time.RFC3339), got.body["due_date"], sev)
		assert.Equal(t, "Cleaning required - dock", got.body["title"])
	}
}

func TestCreateIdleWarning(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK, `{"data":{"id":"task-7"}}`)
	c := newTestClient(srv.URL)

	f := &analyzer.Finding{
		Kind:     analyzer.KindIdle,
		Severity: analyzer.SeverityMedium,
		Idle:     &analyzer.IdlePayload{TrackID: "person_0", EmployeeArea: "zone_3", IdleSeconds: 960},
	}
	task, err := c.CreateIdleWarning(context.Background(), "cam-1", f, PriorityMedium)
	require.NoError(t, err)
	assert.Equal(t, "task-7", task.ID)

	assert.Equal(t, "Employee check - idle for 16 minutes", got.body["title"])
	assert.Equal(t, "supervision", got.body["category"])
	assert.Equal(t, "dept-hr", got.body["department_id"])
	assert.Equal(t, fixedNow.Add(time.Hour).Format(time.RFC3339), got.body["due_date"])
	ref := got.body["source_reference"].(map[string]any)
	assert.EqualValues(t, 960, ref["idle_duration"])
	assert.Equal(t, "zone_3", ref["employee_area"])
}

func TestCreateOrganizationTask(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK, `{"data":{"id":"task-9"}}`)
	c := newTestClient(srv.URL)

	_, err := c.CreateOrganizationTask(context.Background(), "cam-2", "", &analyzer.Finding{Kind: analyzer.KindProducts, Severity: analyzer.SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, "Organize products - warehouse", got.body["title"])
	assert.Equal(t, "medium", got.body["priority"])
	assert.Equal(t, "dept-warehouse", got.body["department_id"])
	assert.Equal(t, fixedNow.Add(3*time.Hour).Format(time.RFC3339), got.body["due_date"])
}

func TestCreateTaskFailures(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusInternalServerError, `boom`)
	_, err := newTestClient(srv.URL).CreateTask(context.Background(), TaskRequest{Title: "x"})
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))

	srv, _ = newTestServer(t, http.StatusOK, `not json`)
	_, err = newTestClient(srv.URL).CreateTask(context.Background(), TaskRequest{Title: "x"})
	assert.Error(t, err)
}

func TestCreateTaskWithoutData(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ``},
		{"empty object", http.StatusAccepted, `{}`},
		{"null data", http.StatusCreated, `{"data":null}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tc.status, tc.body)
			task, err := newTestClient(srv.URL).CreateTask(context.Background(), TaskRequest{Title: "x"})
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Empty(t, task.ID)
		})
	}
}

func TestSendNotification(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK, ``)
	c := newTestClient(srv.URL)

	err := c.SendNotification(context.Background(), Notification{UserID: "mgr-1", Title: "High mess", Body: "cam-1"})
	require.NoError(t, err)
	assert.Equal(t, "/notifications", got.path)
	assert.Equal(t, "alert", got.body["type"])
	assert.Equal(t, "mgr-1", got.body["user_id"])
	assert.Equal(t, map[string]any{}, got.body["data"])
}

func TestServiceTokenIsMintedPerRequest(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK, `{"data":{"id":"t"}}`)
	tokens := auth.NewTokenManager("secret", time.Minute)
	c := NewClient(Config{BaseURL: srv.URL}, auth.ServiceTokens{Manager: tokens, Subject: "camwatch"})

	_, err := c.CreateTask(context.Background(), TaskRequest{Title: "x"})
	require.NoError(t, err)

	bearer := got.headers.Get("Authorization")
	require.Greater(t, len(bearer), len("Bearer "))
	claims, err := tokens.ValidateToken(bearer[len("Bearer "):])
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeService, claims.Scope)
}
