package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kamilkisiela/graphql-hive-sub003/internal/ingest"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/reader"
)

// fakeAnalytics returns canned values and records the last call's inputs.
type fakeAnalytics struct {
	err error

	lastSelector   reader.TargetSelector
	lastPeriod     reader.DateRange
	lastFilter     reader.Filter
	lastResolution int
	lastLimit      int
	lastClient     string
	lastCoordinate string

	counts   reader.RequestCounts
	uniques  uint64
	versions uint64
	// collected is what HasCollectedOperations answers.
	collected   bool
	percentiles reader.Percentiles
	byHash      map[string]reader.Percentiles
	requests    []reader.RequestPoint
	failures    []reader.FailurePoint
	durations   []reader.DurationPoint
	clients     []reader.ClientCount
	clientVers  []reader.ClientVersionCount
	topOps      []reader.OperationStat
	topClients  []reader.ClientStat
}

func (f *fakeAnalytics) record(selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) error {
	f.lastSelector = selector
	f.lastPeriod = period
	f.lastFilter = filter
	return f.err
}

func (f *fakeAnalytics) CountRequests(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (reader.RequestCounts, error) {
	return f.counts, f.record(selector, period, filter)
}

func (f *fakeAnalytics) CountUniqueOperations(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (uint64, error) {
	return f.uniques, f.record(selector, period, filter)
}

func (f *fakeAnalytics) CountClientVersions(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, clientName string) (uint64, error) {
	f.lastClient = clientName
	return f.versions, f.record(selector, period, reader.Filter{})
}

func (f *fakeAnalytics) HasCollectedOperations(ctx context.Context, selector reader.TargetSelector) (bool, error) {
	return f.collected, f.record(selector, reader.DateRange{}, reader.Filter{})
}

func (f *fakeAnalytics) DurationPercentiles(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (map[string]reader.Percentiles, error) {
	return f.byHash, f.record(selector, period, filter)
}

func (f *fakeAnalytics) GeneralDurationPercentiles(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, filter reader.Filter) (reader.Percentiles, error) {
	return f.percentiles, f.record(selector, period, filter)
}

func (f *fakeAnalytics) RequestsOverTime(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, resolution int, filter reader.Filter) ([]reader.RequestPoint, error) {
	f.lastResolution = resolution
	return f.requests, f.record(selector, period, filter)
}

func (f *fakeAnalytics) FailuresOverTime(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, resolution int, filter reader.Filter) ([]reader.FailurePoint, error) {
	f.lastResolution = resolution
	return f.failures, f.record(selector, period, filter)
}

func (f *fakeAnalytics) DurationOverTime(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, resolution int, filter reader.Filter) ([]reader.DurationPoint, error) {
	f.lastResolution = resolution
	return f.durations, f.record(selector, period, filter)
}

func (f *fakeAnalytics) ClientBreakdown(ctx context.Context, selector reader.TargetSelector, period reader.DateRange) ([]reader.ClientCount, error) {
	return f.clients, f.record(selector, period, reader.Filter{})
}

func (f *fakeAnalytics) ClientVersionBreakdown(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, clientName string, limit int) ([]reader.ClientVersionCount, error) {
	f.lastClient = clientName
	f.lastLimit = limit
	return f.clientVers, f.record(selector, period, reader.Filter{})
}

func (f *fakeAnalytics) TopOperationsForCoordinate(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, coordinate string, limit int) ([]reader.OperationStat, error) {
	f.lastCoordinate = coordinate
	f.lastLimit = limit
	return f.topOps, f.record(selector, period, reader.Filter{})
}

func (f *fakeAnalytics) TopClientsForCoordinate(ctx context.Context, selector reader.TargetSelector, period reader.DateRange, coordinate string, limit int) ([]reader.ClientStat, error) {
	f.lastCoordinate = coordinate
	f.lastLimit = limit
	return f.topClients, f.record(selector, period, reader.Filter{})
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

// fakeIngestor records buffered rows and can fail on demand.
type fakeIngestor struct {
	err        error
	operations []ingest.OperationRow
	collected  []ingest.CollectedOperationRow
}

func (f *fakeIngestor) AddOperation(row ingest.OperationRow) error {
	f.operations = append(f.operations, row)
	return f.err
}

func (f *fakeIngestor) AddCollected(row ingest.CollectedOperationRow) error {
	f.collected = append(f.collected, row)
	return f.err
}

func newTestServer(analytics Analytics, pinger Pinger) *httptest.Server {
	return newIngestTestServer(analytics, &fakeIngestor{}, pinger)
}

func newIngestTestServer(analytics Analytics, writer Ingestor, pinger Pinger) *httptest.Server {
	s := NewServer("127.0.0.1:0", analytics, writer, pinger, nil)
	return httptest.NewServer(s.Handler())
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s body: %v", path, err)
	}
	return resp, body
}

const baseQuery = "?organization=org-1&project=proj-1&target=t1&target=t2" +
	"&from=2026-08-30T10:00:00Z&to=2026-08-31T10:00:00Z"

func TestCountRequestsEndpoint(t *testing.T) {
	analytics := &fakeAnalytics{counts: reader.RequestCounts{Total: 10, Ok: 8, NotOk: 2}}
	ts := newTestServer(analytics, nil)
	defer ts.Close()

	resp, body := get(t, ts, "/api/v1/requests/count"+baseQuery+"&operation=h1&client=web")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var counts reader.RequestCounts
	if err := json.Unmarshal(body, &counts); err != nil {
		t.Fatalf("bad body %s: %v", body, err)
	}
	if counts != analytics.counts {
		t.Errorf("counts = %+v", counts)
	}

	if !reflect.DeepEqual(analytics.lastSelector.TargetIDs, []string{"t1", "t2"}) {
		t.Errorf("targets = %v", analytics.lastSelector.TargetIDs)
	}
	if analytics.lastSelector.OrganizationID != "org-1" {
		t.Errorf("organization = %q", analytics.lastSelector.OrganizationID)
	}
	wantFrom := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if !analytics.lastPeriod.From.Equal(wantFrom) {
		t.Errorf("from = %v", analytics.lastPeriod.From)
	}
	if !reflect.DeepEqual(analytics.lastFilter.OperationHashes, []string{"h1"}) {
		t.Errorf("hashes = %v", analytics.lastFilter.OperationHashes)
	}
	if !reflect.DeepEqual(analytics.lastFilter.ClientNames, []string{"web"}) {
		t.Errorf("clients = %v", analytics.lastFilter.ClientNames)
	}
}

func TestBadPeriodIsBadRequest(t *testing.T) {
	ts := newTestServer(&fakeAnalytics{}, nil)
	defer ts.Close()

	for _, path := range []string{
		"/api/v1/requests/count?target=t1&to=2026-08-31T10:00:00Z",
		"/api/v1/requests/count?target=t1&from=yesterday&to=2026-08-31T10:00:00Z",
		"/api/v1/requests/count?target=t1&from=2026-08-31T10:00:00Z&to=2026-08-30T10:00:00Z",
	} {
		resp, _ := get(t, ts, path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestReaderErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{reader.ErrEmptySelector, http.StatusBadRequest},
		{reader.ErrBadResolution, http.StatusBadRequest},
		{reader.ErrRangeTooOld, http.StatusUnprocessableEntity},
		{reader.ErrUnresolvable, http.StatusUnprocessableEntity},
		{errors.New("connect: connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		ts := newTestServer(&fakeAnalytics{err: tt.err}, nil)
		resp, _ := get(t, ts, "/api/v1/requests/count"+baseQuery)
		if resp.StatusCode != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
		ts.Close()
	}
}

func TestRequestsOverTimeEndpoint(t *testing.T) {
	analytics := &fakeAnalytics{requests: []reader.RequestPoint{
		{Date: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), Total: 5, Ok: 5},
	}}
	ts := newTestServer(analytics, nil)
	defer ts.Close()

	resp, body := get(t, ts, "/api/v1/requests/over-time"+baseQuery+"&resolution=30")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if analytics.lastResolution != 30 {
		t.Errorf("resolution = %d, want 30", analytics.lastResolution)
	}
	var points []reader.RequestPoint
	if err := json.Unmarshal(body, &points); err != nil {
		t.Fatalf("bad body %s: %v", body, err)
	}
	if len(points) != 1 || points[0].Total != 5 {
		t.Errorf("points = %+v", points)
	}
}

func TestHasCollectedOperationsEndpoint(t *testing.T) {
	analytics := &fakeAnalytics{collected: true}
	ts := newTestServer(analytics, nil)
	defer ts.Close()

	resp, body := get(t, ts, "/api/v1/operations/collected?target=t1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var payload map[string]bool
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if !payload["collected"] {
		t.Errorf("payload = %v", payload)
	}
}

func TestTopOperationsForCoordinateEndpoint(t *testing.T) {
	analytics := &fakeAnalytics{topOps: []reader.OperationStat{{Hash: "h1", Name: "GetUser", Count: 9}}}
	ts := newTestServer(analytics, nil)
	defer ts.Close()

	coordinate := url.PathEscape("Query.user")
	resp, body := get(t, ts, "/api/v1/coordinates/"+coordinate+"/operations"+baseQuery+"&limit=3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if analytics.lastCoordinate != "Query.user" {
		t.Errorf("coordinate = %q", analytics.lastCoordinate)
	}
	if analytics.lastLimit != 3 {
		t.Errorf("limit = %d, want 3", analytics.lastLimit)
	}
}

func TestClientVersionBreakdownEndpoint(t *testing.T) {
	analytics := &fakeAnalytics{clientVers: []reader.ClientVersionCount{{Version: "1.0.0", Count: 4}}}
	ts := newTestServer(analytics, nil)
	defer ts.Close()

	resp, body := get(t, ts, "/api/v1/clients/web/versions"+baseQuery+"&limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if analytics.lastClient != "web" {
		t.Errorf("client = %q", analytics.lastClient)
	}
	if analytics.lastLimit != 10 {
		t.Errorf("limit = %d", analytics.lastLimit)
	}
}

func postReport(t *testing.T, ts *httptest.Server, payload string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/operations", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/v1/operations failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return resp, body
}

func TestReportOperationsEndpoint(t *testing.T) {
	writer := &fakeIngestor{}
	ts := newIngestTestServer(&fakeAnalytics{}, writer, nil)
	defer ts.Close()

	resp, body := postReport(t, ts, `{
		"target": "target-1",
		"retentionDays": 30,
		"operations": [
			{"timestamp": "2026-08-31T10:00:00Z", "hash": "h1", "ok": true, "duration": 42, "clientName": "web", "clientVersion": "1.2.0"},
			{"timestamp": "2026-08-31T10:00:01Z", "hash": "h1", "ok": false, "duration": 900}
		],
		"collected": [
			{"hash": "h1", "name": "GetUser", "body": "query GetUser { user { id } }", "kind": "query", "coordinates": ["Query.user", "User.id"], "total": 2}
		]
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	if len(writer.operations) != 2 {
		t.Fatalf("buffered %d operations, want 2", len(writer.operations))
	}
	first := writer.operations[0]
	if first.Target != "target-1" || first.Hash != "h1" || first.Ok != 1 || first.Duration != 42 {
		t.Errorf("first row = %+v", first)
	}
	wantExpiry := time.Date(2026, 9, 30, 10, 0, 0, 0, time.UTC)
	if !first.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want timestamp plus 30 days", first.ExpiresAt)
	}
	if writer.operations[1].Ok != 0 {
		t.Errorf("failed operation should buffer ok=0, got %d", writer.operations[1].Ok)
	}

	if len(writer.collected) != 1 {
		t.Fatalf("buffered %d documents, want 1", len(writer.collected))
	}
	doc := writer.collected[0]
	if doc.Target != "target-1" || doc.Name != "GetUser" || len(doc.Coordinates) != 2 {
		t.Errorf("document = %+v", doc)
	}

	var counts map[string]int
	if err := json.Unmarshal(body, &counts); err != nil {
		t.Fatalf("bad body %s: %v", body, err)
	}
	if counts["operations"] != 2 || counts["collected"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestReportRejectsBadPayloads(t *testing.T) {
	writer := &fakeIngestor{}
	ts := newIngestTestServer(&fakeAnalytics{}, writer, nil)
	defer ts.Close()

	for _, payload := range []string{
		`{not json`,
		`{"operations": [{"hash": "h1"}]}`,
		`{"target": "target-1", "operations": [{"duration": 5}]}`,
		`{"target": "target-1", "collected": [{"name": "GetUser"}]}`,
	} {
		resp, _ := postReport(t, ts, payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", payload, resp.StatusCode)
		}
	}
}

func TestReportBufferErrorIsBadGateway(t *testing.T) {
	writer := &fakeIngestor{err: errors.New("connect: connection refused")}
	ts := newIngestTestServer(&fakeAnalytics{}, writer, nil)
	defer ts.Close()

	resp, _ := postReport(t, ts, `{"target": "target-1", "operations": [{"hash": "h1"}]}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(&fakeAnalytics{}, &fakePinger{})
	defer ts.Close()

	resp, body := get(t, ts, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Store != "ok" {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	ts := newTestServer(&fakeAnalytics{}, &fakePinger{err: errors.New("dial tcp: refused")})
	defer ts.Close()

	resp, body := get(t, ts, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("health = %+v", health)
	}
}
