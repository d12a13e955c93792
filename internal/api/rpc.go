package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/banshee-data/intersection.control/internal/engine"
)

// Connect procedures of signalcontrol.v1.SignalService. Messages travel as
// plain JSON; no generated code is involved.
const (
	SignalServiceName  = "signalcontrol.v1.SignalService"
	OverrideProcedure  = "/" + SignalServiceName + "/Override"
	GetStatusProcedure = "/" + SignalServiceName + "/GetStatus"
)

// rpcCodec replaces connect's protobuf JSON codec under the same name, so
// "application/json" requests decode into plain Go structs.
type rpcCodec struct{}

func (rpcCodec) Name() string                       { return "json" }
func (rpcCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (rpcCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// StatusRequest names the intersection for GetStatus.
type StatusRequest struct {
	IntersectionID string `json:"intersection_id"`
}

// RPCHandler returns the mount path and handler for the signal service.
func (s *Server) RPCHandler() (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(OverrideProcedure, connect.NewUnaryHandler(OverrideProcedure, s.overrideRPC, connect.WithCodec(rpcCodec{})))
	mux.Handle(GetStatusProcedure, connect.NewUnaryHandler(GetStatusProcedure, s.statusRPC, connect.WithCodec(rpcCodec{})))
	return "/" + SignalServiceName + "/", mux
}

func (s *Server) overrideRPC(ctx context.Context, req *connect.Request[OverrideRequest]) (*connect.Response[OverrideResponse], error) {
	resp, err := s.applyOverride(ctx, *req.Msg)
	switch {
	case errors.Is(err, engine.ErrUnknownIntersection):
		return nil, connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, errBadOverride), errors.Is(err, engine.ErrInvalidPhase):
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, connect.NewError(connect.CodeCanceled, err)
	case err != nil:
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&resp), nil
}

func (s *Server) statusRPC(_ context.Context, req *connect.Request[StatusRequest]) (*connect.Response[engine.Status], error) {
	id := strings.TrimSpace(req.Msg.IntersectionID)
	st, ok := s.ctrl.Status(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, engine.ErrUnknownIntersection)
	}
	return connect.NewResponse(&st), nil
}

// SignalClient calls the signal service over Connect.
type SignalClient struct {
	override  *connect.Client[OverrideRequest, OverrideResponse]
	getStatus *connect.Client[StatusRequest, engine.Status]
}

// NewSignalClient targets the server at baseURL, e.g. "http://localhost:8080".
func NewSignalClient(httpClient connect.HTTPClient, baseURL string) *SignalClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &SignalClient{
		override:  connect.NewClient[OverrideRequest, OverrideResponse](httpClient, baseURL+OverrideProcedure, connect.WithCodec(rpcCodec{})),
		getStatus: connect.NewClient[StatusRequest, engine.Status](httpClient, baseURL+GetStatusProcedure, connect.WithCodec(rpcCodec{})),
	}
}

// Override forces phase on id for durationSec seconds.
func (c *SignalClient) Override(ctx context.Context, id string, phase engine.Phase, durationSec int) (OverrideResponse, error) {
	resp, err := c.override.CallUnary(ctx, connect.NewRequest(&OverrideRequest{
		IntersectionID: id,
		Phase:          string(phase),
		DurationSec:    &durationSec,
	}))
	if err != nil {
		return OverrideResponse{}, err
	}
	return *resp.Msg, nil
}

// Status fetches the live state of one intersection.
func (c *SignalClient) Status(ctx context.Context, id string) (engine.Status, error) {
	resp, err := c.getStatus.CallUnary(ctx, connect.NewRequest(&StatusRequest{IntersectionID: id}))
	if err != nil {
		return engine.Status{}, err
	}
	return *resp.Msg, nil
}
