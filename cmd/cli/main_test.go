package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"

	"github.com/and161185/gophcal/internal/api"
	"github.com/and161185/gophcal/internal/clock"
	"github.com/and161185/gophcal/internal/limiter"
	"github.com/and161185/gophcal/internal/repository/memory"
	grpcserver "github.com/and161185/gophcal/internal/server/grpc"
	"github.com/and161185/gophcal/internal/service"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "gophcal")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	_ = withTmpConfig(t)
	got := cfgDir()
	base := os.Getenv("XDG_CONFIG_HOME") + "/gophcal"
	if got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken(tokenFile{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Minute), TimeZone: "Europe/Berlin"}); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tf, err := loadToken()
	if err != nil || tf.AccessToken != "tok" || tf.TimeZone != "Europe/Berlin" {
		t.Fatalf("loadToken: tf=%+v err=%v", tf, err)
	}
	if err := saveToken(tokenFile{AccessToken: "tok2", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	out := captureStdout(t, func() { printJSON(map[string]any{"a": 1}) })

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_bearerCreds_Metadata(t *testing.T) {
	t.Parallel()

	b := bearerCreds{token: "T", secure: true}
	md, err := b.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["authorization"] != "Bearer T" {
		t.Fatalf("auth header mismatch: %v", md)
	}
	if !b.RequireTransportSecurity() {
		t.Fatalf("bearerCreds over TLS must require TLS")
	}
	if (bearerCreds{token: "T"}).RequireTransportSecurity() {
		t.Fatalf("plaintext bearerCreds must not require TLS")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", true)
	if err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}

	creds, err = loadTLS("", false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

func captureStdout(t *testing.T, fn func()) []byte {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(r)
		done <- b
	}()
	fn()
	_ = w.Close()
	os.Stdout = old
	return <-done
}

func startServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	key := []byte("cli-test")
	owners := memory.NewOwners()
	auth := service.NewAuthService(owners, key, time.Hour, limiter.NewMemory(limiter.DefaultPolicy, nil), clock.System{}, log)
	events := service.NewEventService(service.EventDeps{Store: memory.NewStore(), Owners: owners, Log: log})
	app := grpcserver.New(auth, events, key, log)

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(app.AuthUnary()))
	api.Register(gs, app)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func run(t *testing.T, addr string, args ...string) []byte {
	t.Helper()
	var runErr error
	out := captureStdout(t, func() {
		runErr = newApp().Run(append([]string{"gophcal", "--addr", addr, "--plaintext"}, args...))
	})
	if runErr != nil {
		t.Fatalf("%v: %v", args, runErr)
	}
	return out
}

func TestApp_CreateListExport(t *testing.T) {
	_ = withTmpConfig(t)
	addr := startServer(t)

	run(t, addr, "register", "-u", "ann", "-p", "pw", "--zone", "Europe/Berlin")
	if got := strings.TrimSpace(string(run(t, addr, "login", "-u", "ann", "-p", "pw"))); got != "ok" {
		t.Fatalf("login printed %q", got)
	}

	var created eventRow
	out := run(t, addr, "create", "--title", "Gym", "--start", "2026-03-02T18:00", "--end", "2026-03-02T19:00",
		"--rrule", "FREQ=WEEKLY;BYDAY=MO,TH")
	if err := json.Unmarshal(out, &created); err != nil {
		t.Fatalf("create output: %v\n%s", err, out)
	}
	if created.TimeZone != "Europe/Berlin" || created.RRule != "RRULE:FREQ=WEEKLY;INTERVAL=1;BYDAY=MO,TH" {
		t.Fatalf("created: %+v", created)
	}

	var rows []occurrenceRow
	out = run(t, addr, "list", "--from", "2026-03-02", "--to", "2026-03-09")
	if err := json.Unmarshal(out, &rows); err != nil {
		t.Fatalf("list output: %v\n%s", err, out)
	}
	if len(rows) != 2 || rows[1].Start != "2026-03-05T18:00:00+01:00" || rows[0].Series != created.ID {
		t.Fatalf("rows: %+v", rows)
	}

	run(t, addr, "delete", "--id", rows[1].ID)
	out = run(t, addr, "export", "--from", "2026-03-02", "--to", "2026-03-09")
	if !bytes.Contains(out, []byte("BEGIN:VCALENDAR")) || bytes.Count(out, []byte("BEGIN:VEVENT")) != 1 {
		t.Fatalf("export:\n%s", out)
	}
}
