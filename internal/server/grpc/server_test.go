package grpcserver

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophcal/internal/api"
	"github.com/and161185/gophcal/internal/clock"
	"github.com/and161185/gophcal/internal/limiter"
	"github.com/and161185/gophcal/internal/repository/memory"
	"github.com/and161185/gophcal/internal/service"
)

const bufSize = 1 << 20

func newTestServer(t *testing.T, signKey []byte) *Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	owners := memory.NewOwners()
	auth := service.NewAuthService(owners, signKey, time.Hour,
		limiter.NewMemory(limiter.DefaultPolicy, clock.System{}), clock.System{}, log)
	events := service.NewEventService(service.EventDeps{Store: memory.NewStore(), Owners: owners, Log: log})
	return New(auth, events, signKey, log)
}

func startBufGRPC(t *testing.T, srv *Server) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoverUnary(srv.log),
		LoggingUnary(srv.log),
		MetricsUnary(nil),
		srv.AuthUnary(),
	))
	api.Register(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return cc, stop
}

/************ helpers ************/
func jwtFor(t *testing.T, sub string, key []byte, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl + 5*time.Second)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func ctxAuth(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+token))
}

func doc(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if st, ok := status.FromError(err); !ok || st.Code() != code {
		t.Fatalf("want %s, got %v", code, err)
	}
}

func TestServer_E2E_RecurringFlow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, []byte("test-secret"))
	cc, stop := startBufGRPC(t, srv)
	defer stop()
	cl := api.NewClient(cc)
	ctx := context.Background()

	r1, err := cl.Call(ctx, api.MethodRegister, doc(t, map[string]any{
		"username": "u", "password": "p", "time_zone": "America/New_York",
	}))
	if err != nil || r1.GetFields()["owner_id"].GetStringValue() == "" {
		t.Fatalf("register: %v, resp=%v", err, r1)
	}
	r2, err := cl.Call(ctx, api.MethodLogin, doc(t, map[string]any{"username": "u", "password": "p"}))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if r2.GetFields()["time_zone"].GetStringValue() != "America/New_York" {
		t.Fatalf("login zone: %v", r2)
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+r2.GetFields()["access_token"].GetStringValue())

	if _, err := cl.Call(ctx, api.MethodListOccurrences, doc(t, map[string]any{})); err == nil {
		t.Fatalf("list without token must fail")
	} else {
		wantCode(t, err, codes.Unauthenticated)
	}

	created, err := cl.Call(authed, api.MethodCreateEvent, doc(t, map[string]any{
		"title": "Standup",
		"start": "2026-01-05T09:00:00-05:00",
		"end":   "2026-01-05T09:15:00-05:00",
		"rrule": "RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR",
	}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	masterID := created.GetFields()["id"].GetStringValue()
	if created.GetFields()["time_zone"].GetStringValue() != "America/New_York" {
		t.Fatalf("owner zone not applied: %v", created)
	}

	window := map[string]any{"start": "2026-01-05T00:00:00Z", "end": "2026-01-11T00:00:00Z"}
	list, err := cl.Call(authed, api.MethodListOccurrences, doc(t, window))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	occs := list.GetFields()["occurrences"].GetListValue().GetValues()
	if len(occs) != 3 {
		t.Fatalf("want 3 occurrences, got %d", len(occs))
	}
	wedID := occs[1].GetStructValue().GetFields()["id"].GetStringValue()
	if !strings.HasPrefix(wedID, masterID+"_") {
		t.Fatalf("occurrence id %q does not embed master %q", wedID, masterID)
	}

	_, err = cl.Call(authed, api.MethodCreateEvent, doc(t, map[string]any{
		"title": "Clash",
		"start": "2026-01-07T14:05:00Z",
		"end":   "2026-01-07T14:30:00Z",
	}))
	wantCode(t, err, codes.FailedPrecondition)
	st, _ := status.FromError(err)
	if len(st.Details()) != 1 {
		t.Fatalf("conflict must carry one detail, got %v", st.Details())
	}
	if d, ok := st.Details()[0].(*structpb.Struct); !ok || d.GetFields()["title"].GetStringValue() != "Standup" {
		t.Fatalf("conflict detail: %v", st.Details()[0])
	}

	if _, err := cl.Call(authed, api.MethodUpdateEvent, doc(t, map[string]any{
		"id":      wedID,
		"scope":   "THIS_ONLY",
		"changes": []any{map[string]any{"kind": "details", "title": "Demo"}},
	})); err != nil {
		t.Fatalf("update this only: %v", err)
	}

	got, err := cl.Call(authed, api.MethodGetEvent, doc(t, map[string]any{"id": masterID}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ev := got.GetFields()["event"].GetStructValue()
	if n := len(ev.GetFields()["exception_dates"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("want 1 exception date, got %d", n)
	}

	exp, err := cl.Call(authed, api.MethodExportICS, doc(t, window))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	body := exp.GetFields()["ics"].GetStringValue()
	if !strings.Contains(body, "SUMMARY:Demo") || !strings.Contains(body, "BEGIN:VCALENDAR") {
		t.Fatalf("export body:\n%s", body)
	}

	del, err := cl.Call(authed, api.MethodDeleteEvent, doc(t, map[string]any{"id": masterID, "scope": "ALL_FUTURE"}))
	if err != nil || !del.GetFields()["series_deleted"].GetBoolValue() {
		t.Fatalf("delete: %v, resp=%v", err, del)
	}
	_, err = cl.Call(authed, api.MethodGetEvent, doc(t, map[string]any{"id": masterID}))
	wantCode(t, err, codes.NotFound)
}

func TestServer_LoginBadCredentials(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, []byte("k"))
	_, err := srv.Login(context.Background(), doc(t, map[string]any{"username": "nobody", "password": "x"}))
	wantCode(t, err, codes.Unauthenticated)
}

func Test_remoteIP_EmptyIsOk(t *testing.T) {
	if got := remoteIP(context.Background()); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
}

func Test_Register_EmptyFields(t *testing.T) {
	s := &Server{signKey: []byte("k")}
	_, err := s.Register(context.Background(), &structpb.Struct{})
	wantCode(t, err, codes.InvalidArgument)
}

func Test_Handlers_Unauthenticated(t *testing.T) {
	t.Parallel()
	s := &Server{signKey: []byte("k")}
	calls := map[string]func(context.Context, *structpb.Struct) (*structpb.Struct, error){
		"list":   s.ListOccurrences,
		"get":    s.GetEvent,
		"create": s.CreateEvent,
		"update": s.UpdateEvent,
		"delete": s.DeleteEvent,
		"export": s.ExportICS,
	}
	for name, call := range calls {
		_, err := call(context.Background(), &structpb.Struct{})
		if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
			t.Fatalf("%s: want Unauthenticated, got %v", name, err)
		}
	}
}

func Test_BadPayloads_WithAuth(t *testing.T) {
	t.Parallel()
	key := []byte("secret")
	s := newTestServer(t, key)
	ctx := ctxAuth(jwtFor(t, uuid.Must(uuid.NewV4()).String(), key, time.Hour))

	_, err := s.GetEvent(ctx, &structpb.Struct{})
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.GetEvent(ctx, doc(t, map[string]any{"id": "not-an-id"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.DeleteEvent(ctx, doc(t, map[string]any{"id": uuid.Must(uuid.NewV4()).String()}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.CreateEvent(ctx, doc(t, map[string]any{"title": "x", "start": "2026-01-05T10:00:00Z", "end": "2026-01-05T09:00:00Z"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.UpdateEvent(ctx, doc(t, map[string]any{"id": uuid.Must(uuid.NewV4()).String(), "scope": "ALL_FUTURE"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.ListOccurrences(ctx, doc(t, map[string]any{"start": "2026-01-05T00:00:00Z"}))
	wantCode(t, err, codes.InvalidArgument)

	_, err = s.GetEvent(ctx, doc(t, map[string]any{"id": uuid.Must(uuid.NewV4()).String()}))
	wantCode(t, err, codes.NotFound)
}

type loopbackAddr struct{}

func (loopbackAddr) Network() string { return "tcp" }
func (loopbackAddr) String() string  { return "127.0.0.1:5555" }
func Test_remoteIP_WithPeer(t *testing.T) {
	t.Parallel()
	pctx := peer.NewContext(context.Background(), &peer.Peer{Addr: loopbackAddr{}})
	if got := remoteIP(pctx); got == "" {
		t.Fatalf("expected non-empty peer ip:port")
	}
}
