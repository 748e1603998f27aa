package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"staffline/internal/app"
	"staffline/internal/config"
	"staffline/internal/db"
	"staffline/internal/directory"
	"staffline/internal/domain"
	"staffline/internal/engine"
	"staffline/internal/migrate"
	"staffline/internal/notify"
	"staffline/internal/remote"
	"staffline/internal/repo"
)

const (
	testSecret  = "test-secret"
	base        = config.DefaultBaseDN
	company     = "OU=СтройТехноИнженеринг," + base
	supportOU   = "OU=Департамент обеспечения," + company
	itOU        = "OU=Отдел информационных технологий," + supportOU
	groupsOU    = "OU=Группы," + base
	technicalOU = "OU=Технические логины," + base
	departedOU  = "OU=Уволенные сотрудники," + base
)

type testServer struct {
	URL      string
	client   *http.Client
	services *app.Services
	dir      *directory.Memory
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	cfg := config.Default(base)
	cfg.Secrets.InitialPassword = "Initial-Pass-1"
	if err := app.SyncRBAC(ctx, repo.Repo{DB: conn}, cfg, "admin"); err != nil {
		t.Fatalf("sync rbac: %v", err)
	}

	mem := directory.NewMemory(base, company, supportOU, itOU, groupsOU, technicalOU, departedOU)
	for _, g := range []string{"СтройТехноИнженеринг", "Отдел информационных технологий"} {
		if err := mem.Add(ctx, "CN="+g+","+groupsOU, map[string][]string{
			"objectClass": {"top", "group"}, "cn": {g}, "sAMAccountName": {g},
		}); err != nil {
			t.Fatalf("seed group: %v", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	services, err := app.New(conn, cfg, app.Adapters{
		Directory: mem,
		Channel: remote.Func(func(context.Context, string) (remote.Output, error) {
			return remote.Output{}, nil
		}),
		Notifier: &notify.Recorder{},
	}, logger)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	handler, err := New(Config{
		Services: services,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, TrustedActorHeader: "X-Actor-Id"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		services: services,
		dir:      mem,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAdmin() map[string]string { return map[string]string{"X-Actor-Id": "admin"} }

func errorBody(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error
}

func itRecord() engine.IntakeRecord {
	return engine.IntakeRecord{
		ExternalID: "00042",
		FirstName:  "Иван",
		SecondName: "Петров",
		ThirdName:  "Сергеевич",
		Company:    "ООО СтройТехноИнженеринг",
		Department: "Отдел информационных технологий",
		Role:       "Инженер",
		WorkSite:   "Медовый",
	}
}

func intakeOne(t *testing.T, srv *testServer, rec engine.IntakeRecord) domain.Employee {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intake", rec, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("intake status %d: %s", res.StatusCode, string(data))
	}
	var report engine.IntakeReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(report.Created) != 1 {
		t.Fatalf("expected one created record, got %s", string(data))
	}
	return report.Created[0]
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorBody(t, data).Code; code != "unauthorized" {
		t.Fatalf("unexpected error code %q", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestIntakeApproveAndDismiss(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	emp := intakeOne(t, srv, itRecord())
	if emp.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", emp.Status)
	}
	id := idString(emp.ID)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/employees/"+id+"/identity", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("identity status %d: %s", res.StatusCode, string(data))
	}
	var preview IdentityResponse
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatalf("unmarshal identity: %v", err)
	}
	if preview.Identity.LoginName != "ivan.petrov" || !strings.HasSuffix(preview.Identity.DistinguishedName, itOU) {
		t.Fatalf("unexpected identity preview %+v", preview.Identity)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/employees/"+id+"/approve", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved OutcomeResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if approved.Employee.Status != domain.StatusApproved || !approved.Run.Success || approved.Run.RunID == "" {
		t.Fatalf("unexpected outcome %s", string(data))
	}
	if _, ok := srv.dir.Lookup(approved.Run.Identity.DistinguishedName); !ok {
		t.Fatalf("account %s not created", approved.Run.Identity.DistinguishedName)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/employees/"+id+"/approve", nil, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second approve, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorBody(t, data).Code; code != "invalid_transition" {
		t.Fatalf("unexpected error code %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/employees/"+id+"/status", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st engine.StatusReport
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Status != domain.StatusApproved || st.Message == "" {
		t.Fatalf("unexpected status report %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/employees/"+id+"/dismiss", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dismiss status %d: %s", res.StatusCode, string(data))
	}
	var dismissed OutcomeResponse
	if err := json.Unmarshal(data, &dismissed); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if dismissed.Employee.Status != domain.StatusDismissed {
		t.Fatalf("expected dismissed, got %s", dismissed.Employee.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/employees/"+id+"/runs", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runs status %d: %s", res.StatusCode, string(data))
	}
	var runs []domain.Run
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected provision and deprovision runs, got %d", len(runs))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=employee&entity_id="+id, nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) == 0 || evts.Items[0].Type != "employee.dismissed" {
		t.Fatalf("expected dismissal as latest event, got %s", string(data))
	}
}

func TestApproveUnresolvedPlacementReportsRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rec := itRecord()
	rec.WorkSite = "Неизвестная площадка"
	emp := intakeOne(t, srv, rec)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/employees/"+idString(emp.ID)+"/approve", nil, asAdmin())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	body := errorBody(t, data)
	if body.Code != "unresolved_placement" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if body.Details["status"] != string(domain.StatusPending) {
		t.Fatalf("expected record back in pending, got %v", body.Details["status"])
	}
	if _, ok := body.Details["run"]; !ok {
		t.Fatalf("expected run in details: %s", string(data))
	}
}

func TestIntakeBatchReportsFailures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	second := itRecord()
	second.ExternalID = "00043"
	second.FirstName = "Анна"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intake", map[string]any{
		"employees": []engine.IntakeRecord{itRecord(), itRecord(), second, {ExternalID: "00044"}},
	}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("intake status %d: %s", res.StatusCode, string(data))
	}
	var report engine.IntakeReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(report.Created) != 2 || len(report.Failed) != 2 {
		t.Fatalf("expected 2 created and 2 failed, got %s", string(data))
	}
	if report.Failed[0].Index != 1 {
		t.Fatalf("expected duplicate at index 1, got %+v", report.Failed[0])
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/intake", nil, asAdmin())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListEmployeesPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for _, ext := range []string{"1", "2", "3"} {
		rec := itRecord()
		rec.ExternalID = ext
		intakeOne(t, srv, rec)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees?limit=2&status=pending", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEmployees
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page, got %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees?limit=2&cursor="+page.NextCursor, nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEmployees
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(next.Items) != 1 || next.NextCursor != "" || next.Items[0].ExternalID != "1" {
		t.Fatalf("unexpected second page %s", string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees?cursor=abc", nil, asAdmin())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad cursor, got %d", res.StatusCode)
	}
}

func TestJWTPermissionsAreEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	emp := intakeOne(t, srv, itRecord())

	token, err := SignToken(testSecret, "reader", nil, []string{"employee.read"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees/"+idString(emp.ID), nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/employees/"+idString(emp.ID)+"/approve", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if perm := errorBody(t, data).Details["permission"]; perm != "employee.approve" {
		t.Fatalf("unexpected permission detail %v", perm)
	}

	expired, err := SignToken(testSecret, "reader", nil, []string{"employee.read"}, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/employees", nil, map[string]string{"Authorization": "Bearer " + expired})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an expired token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthUsesActorRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	r := srv.services.Engine.Repo
	if err := r.AssignRole(ctx, nil, "admin", "intake"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "admin", Name: "1c", KeyHash: repo.HashAPIKey("secret-key")}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "admin" || !hasPermission(who.Permissions, "employee.approve") {
		t.Fatalf("unexpected principal %+v", who)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestTechnicalAccountAndPlacement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/technical-accounts", engine.TechnicalAccountInput{Username: "scanner"}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("technical status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/technical-accounts", engine.TechnicalAccountInput{Username: "scanner"}, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d: %s", res.StatusCode, string(data))
	}
	if reason := errorBody(t, data).Details["reason"]; reason != "duplicate" {
		t.Fatalf("unexpected reason %v", reason)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/placement?site=Медовый&department=Отдел%20информационных%20технологий", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("placement status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), itOU) {
		t.Fatalf("unexpected placement %s", string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/placement?site=Марс", nil, asAdmin())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.StatusCode)
	}
}

func TestDirectoryAdminWritesEvent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.dir.Add(ctx, "CN=Иван Петров,"+itOU, map[string][]string{
		"objectClass":    {"top", "person", "organizationalPerson", "user"},
		"sAMAccountName": {"ivan.petrov"},
		"pager":          {"00042"},
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/directory/phone", PhoneRequest{ExternalID: "00042", Phone: "+7 900 000-00-00"}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("phone status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/directory/training", TrainingRequest{ExternalID: "00042", Training: "excel"}, asAdmin())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown training, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/directory/password", PasswordRequest{Login: "nobody", Password: "x"}, asAdmin())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown login, got %d: %s", res.StatusCode, string(data))
	}

	evts, err := srv.services.Engine.Repo.LatestEvents(ctx, 10, "directory.updated", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].ActorID != "admin" {
		t.Fatalf("expected one directory event, got %+v", evts)
	}
}

func TestBlockExportAndListOUs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	dn := "CN=Подрядчик Внешний," + itOU
	if err := srv.dir.Add(ctx, dn, map[string][]string{
		"objectClass":        {"top", "person", "organizationalPerson", "user"},
		"sAMAccountName":     {"contractor"},
		"displayName":        {"Подрядчик Внешний"},
		"pager":              {"77777"},
		"userAccountControl": {directory.UACNormalAccount},
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ous", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ous status %d: %s", res.StatusCode, string(data))
	}
	var ous []string
	if err := json.Unmarshal(data, &ous); err != nil {
		t.Fatalf("unmarshal ous: %v", err)
	}
	if len(ous) != 6 || !strings.Contains(string(data), departedOU) {
		t.Fatalf("unexpected ous %v", ous)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/export-ad", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	var export ExportResponse
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if export.Count != 1 || export.Users[0].Login != "contractor" {
		t.Fatalf("unexpected export %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/block-complete", BlockRequest{ExternalID: "77777"}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("block status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if !run.Success || run.RunID == "" {
		t.Fatalf("unexpected run %s", string(data))
	}
	entry, ok := srv.dir.Lookup("CN=Подрядчик Внешний," + departedOU)
	if !ok || entry.Get("userAccountControl") != directory.UACNormalAccountDisabled {
		t.Fatalf("expected the account disabled in the departed container, got %+v", entry)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/export-ad", nil, asAdmin())
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"count":0`) {
		t.Fatalf("expected empty export after block, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/block-complete", BlockRequest{ExternalID: "88888"}, asAdmin())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown external id, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTrustedActorHeaderIsOptIn(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v0/employees", nil)
	req.Header.Set("X-Actor-Id", "admin")

	if _, err := authenticate(req, AuthConfig{JWTSecret: testSecret}.credentials(repo.Repo{})); !errors.Is(err, errNoCredential) {
		t.Fatalf("expected header to be ignored by default, got %v", err)
	}
	p, err := authenticate(req, AuthConfig{JWTSecret: testSecret, TrustedActorHeader: "X-Actor-Id"}.credentials(repo.Repo{}))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ActorID != "admin" || p.Via != "header" {
		t.Fatalf("unexpected principal %+v", p)
	}

	token, err := SignToken(testSecret, "reader", nil, nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	p, err = authenticate(req, AuthConfig{JWTSecret: testSecret, TrustedActorHeader: "X-Actor-Id"}.credentials(repo.Repo{}))
	if err != nil || p.ActorID != "reader" || p.Via != "token" {
		t.Fatalf("expected the token to take precedence, got %+v (%v)", p, err)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, want := range []string{"/v0/employees/{id}/approve", "bearerAuth", "apiKeyAuth"} {
		if !bytes.Contains(data, []byte(want)) {
			t.Fatalf("openapi document missing %s", want)
		}
	}
}

func idString(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
