// Package grpcserver exposes the gophcal.v1.Calendar gRPC handlers.
package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophcal/internal/api"
	"github.com/and161185/gophcal/internal/clock"
	"github.com/and161185/gophcal/internal/convert"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/ics"
	"github.com/and161185/gophcal/internal/recurrence"
	"github.com/and161185/gophcal/internal/service"
)

var _ api.CalendarServer = (*Server)(nil)

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	events  service.EventService
	codec   recurrence.Codec
	signKey []byte
	clock   clock.Clock
	log     *zap.Logger
}

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, events service.EventService, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		auth:    auth,
		events:  events,
		codec:   recurrence.RRule{},
		signKey: signKey,
		clock:   clock.System{},
		log:     log,
	}
}

// --- Auth ---

// Register creates a new owner account.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, _ := convert.String(req, "username")
	password, _ := convert.String(req, "password")
	if username == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username/password")
	}
	zone, err := convert.String(req, "time_zone")
	if err != nil {
		return nil, toStatus("register", err)
	}
	ownerID, err := s.auth.Register(ctx, username, password, zone)
	if err != nil {
		return nil, toStatus("register", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"owner_id": structpb.NewStringValue(ownerID),
	}}, nil
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// Login authenticates an owner and returns an access token.
func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, _ := convert.String(req, "username")
	password, _ := convert.String(req, "password")

	tok, o, err := s.auth.Login(ctx, username, password, remoteIP(ctx))
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "bad credentials")
		}
		return nil, toStatus("login", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"access_token": structpb.NewStringValue(tok.AccessToken),
		"expires_at":   structpb.NewStringValue(tok.ExpiresAt.UTC().Format(time.RFC3339Nano)),
		"owner_id":     structpb.NewStringValue(o.ID.String()),
		"time_zone":    structpb.NewStringValue(o.TimeZone),
	}}, nil
}

// --- Events ---

// ListOccurrences expands the owner's events over {start, end} with optional filters.
func (s *Server) ListOccurrences(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	window, err := convert.FromStructWindow(req)
	if err != nil {
		return nil, toStatus("list", err)
	}
	filters, err := convert.FromStructFilters(req)
	if err != nil {
		return nil, toStatus("list", err)
	}
	occs, err := s.events.List(ctx, ownerID, window, filters)
	if err != nil {
		return nil, toStatus("list", err)
	}
	return convert.ToStructOccurrences(occs), nil
}

// GetEvent resolves a master id or an occurrence id.
func (s *Server) GetEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	id, _ := convert.String(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "empty id")
	}
	e, occ, err := s.events.Get(ctx, ownerID, id)
	if err != nil {
		return nil, toStatus("get", err)
	}
	return convert.ToStructGet(e, occ), nil
}

// CreateEvent stores a new single or recurring event.
func (s *Server) CreateEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	in, err := convert.FromStructNewEvent(req, s.codec)
	if err != nil {
		return nil, toStatus("create", err)
	}
	e, err := s.events.Create(ctx, ownerID, in)
	if err != nil {
		return nil, toStatus("create", err)
	}
	return convert.ToStructEvent(e), nil
}

// UpdateEvent applies a change list to a master or one occurrence.
func (s *Server) UpdateEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	id, upd, scope, err := convert.FromStructUpdate(req, s.codec)
	if err != nil {
		return nil, toStatus("update", err)
	}
	e, err := s.events.Update(ctx, ownerID, id, upd, scope)
	if err != nil {
		return nil, toStatus("update", err)
	}
	return convert.ToStructEvent(e), nil
}

// DeleteEvent removes one occurrence or a whole series.
func (s *Server) DeleteEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	id, _ := convert.String(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "empty id")
	}
	scope, err := convert.FromStructScope(req)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	res, err := s.events.Remove(ctx, ownerID, id, scope)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	return convert.ToStructRemoval(res), nil
}

// ExportICS renders the occurrences of a window as an iCalendar document.
func (s *Server) ExportICS(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	window, err := convert.FromStructWindow(req)
	if err != nil {
		return nil, toStatus("export", err)
	}
	filters, err := convert.FromStructFilters(req)
	if err != nil {
		return nil, toStatus("export", err)
	}
	occs, err := s.events.List(ctx, ownerID, window, filters)
	if err != nil {
		return nil, toStatus("export", err)
	}
	var buf bytes.Buffer
	if err := ics.Write(&buf, occs, s.clock.Now()); err != nil {
		return nil, status.Errorf(codes.Internal, "export: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ics":   structpb.NewStringValue(buf.String()),
		"count": structpb.NewNumberValue(float64(len(occs))),
	}}, nil
}

// toStatus maps service errors onto gRPC codes. Conflicts carry the colliding event as a detail.
func toStatus(op string, err error) error {
	var conflict *errs.SchedulingConflictError
	switch {
	case errors.As(err, &conflict):
		st := status.New(codes.FailedPrecondition, conflict.Error())
		detail := &structpb.Struct{Fields: map[string]*structpb.Value{
			"event_id": structpb.NewStringValue(conflict.EventID),
			"title":    structpb.NewStringValue(conflict.Title),
			"start":    structpb.NewStringValue(conflict.Start.UTC().Format(time.RFC3339Nano)),
			"end":      structpb.NewStringValue(conflict.End.UTC().Format(time.RFC3339Nano)),
			"all_day":  structpb.NewBoolValue(conflict.AllDay),
		}}
		if withDetail, derr := st.WithDetails(detail); derr == nil {
			st = withDetail
		}
		return st.Err()
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInvalidOccurrenceID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

// owner returns the caller set by AuthUnary, or verifies the bearer token when the handler is
// called without the interceptor chain.
func (s *Server) owner(ctx context.Context) (uuid.UUID, error) {
	if id, ok := OwnerIDFromCtx(ctx); ok {
		return id, nil
	}
	id, err := s.userIDFromCtx(ctx)
	if err != nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// userIDFromCtx: extract "authorization: Bearer <JWT>", verify HS256, return sub as UUID.
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
