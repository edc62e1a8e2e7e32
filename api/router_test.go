package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tinkerlink/ipconn"
	"tinkerlink/packet"
	"tinkerlink/statestore"
	"tinkerlink/tfconfig"
)

type fakeDaemon struct {
	ln       net.Listener
	conn     net.Conn
	received chan packet.Data
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeDaemon{ln: ln, received: make(chan packet.Data, 16)}
}

func (d *fakeDaemon) addr() string { return d.ln.Addr().String() }

func (d *fakeDaemon) accept() {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	d.conn = conn
	go func() {
		header := make([]byte, packet.HeaderSize)
		for {
			if _, err := readFull(conn, header); err != nil {
				return
			}
			h := packet.Unpack(header)
			body := make([]byte, int(h.Length)-packet.HeaderSize)
			if len(body) > 0 {
				if _, err := readFull(conn, body); err != nil {
					return
				}
			}
			d.received <- packet.Data{Header: h, Body: body}
		}
	}()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *fakeDaemon) close() {
	if d.conn != nil {
		d.conn.Close()
	}
	d.ln.Close()
}

func connectToFake(t *testing.T) (*ipconn.Connection, *fakeDaemon) {
	t.Helper()
	d := newFakeDaemon(t)
	go d.accept()

	conn, err := ipconn.Connect(d.addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.After(time.Second)
	for d.conn == nil {
		select {
		case <-deadline:
			t.Fatalf("daemon never accepted connection")
		default:
		}
	}
	t.Cleanup(func() {
		conn.Close()
		d.close()
	})
	return conn, d
}

func testRouter(t *testing.T, webUIEnabled bool) (http.Handler, *tfconfig.Config) {
	conn, _ := connectToFake(t)
	cfg := tfconfig.DefaultConfig()
	cfg.Web.UI.Enabled = webUIEnabled
	router, cleanup := NewRouter(conn, statestore.NewManager(), cfg)
	t.Cleanup(cleanup)
	return router, cfg
}

func TestHandleListDevicesWithNoStateStore(t *testing.T) {
	router, _ := testRouter(t, false)

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var devices []DeviceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected no devices, got %v", devices)
	}
}

func TestResponseExpectedDefaultsToTrue(t *testing.T) {
	router, _ := testRouter(t, false)

	req := httptest.NewRequest(http.MethodGet, "/devices/EHc/response-expected/4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["response_expected"] != true {
		t.Errorf("expected default true, got %v", body["response_expected"])
	}
}

func TestSetResponseExpectedPersistsInRegistry(t *testing.T) {
	router, _ := testRouter(t, false)

	put := httptest.NewRequest(http.MethodPut, "/devices/EHc/response-expected/4", strings.NewReader(`{"response_expected":false}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, put)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want 204", rec.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/devices/EHc/response-expected/4", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, get)

	var body map[string]interface{}
	json.Unmarshal(rec2.Body.Bytes(), &body)
	if body["response_expected"] != false {
		t.Errorf("expected false after PUT, got %v", body["response_expected"])
	}
}

func TestMutatingRoutesRequireSessionWhenWebUIEnabled(t *testing.T) {
	router, _ := testRouter(t, true)

	req := httptest.NewRequest(http.MethodPost, "/enumerate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	router, _ := testRouter(t, true)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"nobody","password":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestLoginSucceedsAndUnlocksMutatingRoutes(t *testing.T) {
	conn, _ := connectToFake(t)
	cfg := tfconfig.DefaultConfig()
	cfg.Web.UI.Enabled = true
	hash, err := hashPassword("secret")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	cfg.AddWebUser(tfconfig.WebUser{Username: "admin", PasswordHash: hash, Role: tfconfig.RoleAdmin})

	router, cleanup := NewRouter(conn, statestore.NewManager(), cfg)
	t.Cleanup(cleanup)

	loginReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"secret"}`))
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, loginReq)
	if loginRec.Code != http.StatusNoContent {
		t.Fatalf("login status = %d, want 204", loginRec.Code)
	}

	cookies := loginRec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a session cookie after login")
	}

	putReq := httptest.NewRequest(http.MethodPut, "/devices/EHc/response-expected/4", strings.NewReader(`{"response_expected":true}`))
	for _, c := range cookies {
		putReq.AddCookie(c)
	}
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusNoContent {
		t.Errorf("authenticated PUT status = %d, want 204", putRec.Code)
	}
}

func loginAs(t *testing.T, router http.Handler, username, password string) []*http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"username":"`+username+`","password":"`+password+`"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent && rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	return rec.Result().Cookies()
}

func TestViewerRoleCannotMutateResponseExpected(t *testing.T) {
	conn, _ := connectToFake(t)
	cfg := tfconfig.DefaultConfig()
	cfg.Web.UI.Enabled = true
	hash, err := hashPassword("secret")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	cfg.AddWebUser(tfconfig.WebUser{Username: "viewer", PasswordHash: hash, Role: tfconfig.RoleViewer})

	router, cleanup := NewRouter(conn, statestore.NewManager(), cfg)
	t.Cleanup(cleanup)

	cookies := loginAs(t, router, "viewer", "secret")

	put := httptest.NewRequest(http.MethodPut, "/devices/EHc/response-expected/4", strings.NewReader(`{"response_expected":false}`))
	for _, c := range cookies {
		put.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, put)
	if rec.Code != http.StatusForbidden {
		t.Errorf("viewer PUT status = %d, want 403", rec.Code)
	}
}

func TestLoginReportsMustChangePassword(t *testing.T) {
	conn, _ := connectToFake(t)
	cfg := tfconfig.DefaultConfig()
	cfg.Web.UI.Enabled = true
	hash, err := hashPassword("initial")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	cfg.AddWebUser(tfconfig.WebUser{Username: "admin", PasswordHash: hash, Role: tfconfig.RoleAdmin, MustChangePassword: true})

	router, cleanup := NewRouter(conn, statestore.NewManager(), cfg)
	t.Cleanup(cleanup)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"initial"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["must_change_password"] != true {
		t.Errorf("expected must_change_password true, got %v", body)
	}
}

func TestChangePasswordClearsMustChangeFlag(t *testing.T) {
	conn, _ := connectToFake(t)
	cfg := tfconfig.DefaultConfig()
	cfg.Web.UI.Enabled = true
	hash, err := hashPassword("initial")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	cfg.AddWebUser(tfconfig.WebUser{Username: "admin", PasswordHash: hash, Role: tfconfig.RoleAdmin, MustChangePassword: true})

	router, cleanup := NewRouter(conn, statestore.NewManager(), cfg)
	t.Cleanup(cleanup)

	cookies := loginAs(t, router, "admin", "initial")

	change := httptest.NewRequest(http.MethodPost, "/password", strings.NewReader(`{"old_password":"initial","new_password":"rotated"}`))
	for _, c := range cookies {
		change.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, change)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("change password status = %d, want 204", rec.Code)
	}

	user := cfg.FindWebUser("admin")
	if user.MustChangePassword {
		t.Error("expected must-change flag cleared")
	}
	if !checkPassword("rotated", user.PasswordHash) {
		t.Error("expected new password to verify")
	}

	// A fresh login with the rotated password is a plain 204 again.
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"rotated"}`))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusNoContent {
		t.Errorf("relogin status = %d, want 204", rec2.Code)
	}
}

func TestChangePasswordRejectsWrongOldPassword(t *testing.T) {
	conn, _ := connectToFake(t)
	cfg := tfconfig.DefaultConfig()
	cfg.Web.UI.Enabled = true
	hash, err := hashPassword("initial")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	cfg.AddWebUser(tfconfig.WebUser{Username: "admin", PasswordHash: hash, Role: tfconfig.RoleAdmin})

	router, cleanup := NewRouter(conn, statestore.NewManager(), cfg)
	t.Cleanup(cleanup)

	cookies := loginAs(t, router, "admin", "initial")

	change := httptest.NewRequest(http.MethodPost, "/password", strings.NewReader(`{"old_password":"wrong","new_password":"rotated"}`))
	for _, c := range cookies {
		change.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, change)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if !checkPassword("initial", cfg.FindWebUser("admin").PasswordHash) {
		t.Error("password must be unchanged after a rejected request")
	}
}

func TestParseFunctionIDRejectsOutOfRange(t *testing.T) {
	if _, err := parseFunctionID("256"); err == nil {
		t.Error("expected error for out-of-range function id")
	}
	if _, err := parseFunctionID("abc"); err == nil {
		t.Error("expected error for non-numeric function id")
	}
	if got, err := parseFunctionID("4"); err != nil || got != 4 {
		t.Errorf("parseFunctionID(4) = %d, %v", got, err)
	}
}
