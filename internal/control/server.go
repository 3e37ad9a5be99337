// Package control exposes the running simulation over gRPC: node and
// schedule inspection, manual schedule edits, 6P commands and radio link
// changes. Every call is executed on the simulation's event loop.
package control

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/node"
	"github.com/signalsfoundry/tsch-simulator/internal/observability"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// Service implements CellControlServer on a node.Network.
type Service struct {
	net       *node.Network
	log       logging.Logger
	collector *observability.ControlCollector
}

var _ CellControlServer = (*Service)(nil)

// NewService binds the control service to net. collector may be nil.
func NewService(net *node.Network, log logging.Logger, collector *observability.ControlCollector) *Service {
	return &Service{net: net, log: logging.OrNoop(log), collector: collector}
}

// NewServer builds a gRPC server with the control interceptors and the
// OpenTelemetry stats handler, and registers svc on it.
func NewServer(svc *Service, tp trace.TracerProvider, opts ...grpc.ServerOption) *grpc.Server {
	var otelOpts []otelgrpc.Option
	if tp != nil {
		otelOpts = append(otelOpts, otelgrpc.WithTracerProvider(tp))
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelOpts...)),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(svc.log),
			TracingUnaryServerInterceptor(tp),
			svc.collector.UnaryServerInterceptor(),
		),
	}
	server := grpc.NewServer(append(base, opts...)...)
	RegisterCellControlServer(server, svc)
	return server
}

// lookup resolves the "node" field.
func (s *Service) lookup(in *structpb.Struct) (*node.Node, error) {
	addr, err := addrArg(in, "node")
	if err != nil {
		return nil, err
	}
	return s.net.Node(addr)
}

// peer resolves the optional "peer" field, defaulting to the node's parent.
func peer(in *structpb.Struct, nd *node.Node) (model.Addr, error) {
	p, ok, err := optAddrArg(in, "peer")
	if err != nil {
		return model.Addr{}, err
	}
	if !ok {
		return nd.Config().Parent, nil
	}
	return p, nil
}

// ListNodes returns {"nodes": [...]}, one entry per node with its role,
// synchronisation summary and schedule size.
func (s *Service) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var nodes []any
	links := 0
	err := s.net.Do(ctx, func() error {
		for _, nd := range s.net.Nodes() {
			st := nd.SyncState()
			n := len(nd.Schedule().Snapshot())
			links += n
			entry := map[string]any{
				"id":         int(nd.Addr().ID()),
				"addr":       nd.Addr().String(),
				"role":       nd.Role().String(),
				"started":    nd.Started(),
				"associated": st.Associated,
				"reachable":  st.Reachable,
				"asn":        float64(st.ASN),
				"links":      n,
				"parent":     nd.Config().Parent.String(),
				"drift_ppm":  st.DriftPPM,
				"join_prio":  int(st.JoinPriority),
			}
			if a := nd.Allocation(); a != nil {
				entry["cells_added"] = a.Added()
				entry["allocation_finished"] = a.Finished()
			}
			if r := nd.Relocation(); r != nil {
				entry["stable"] = r.Stable()
			}
			nodes = append(nodes, entry)
		}
		return nil
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.collector.SetNetworkCounts(len(nodes), links)
	resp, err := newStruct(map[string]any{"nodes": nodes})
	return resp, ToStatusError(err)
}

// ListLinks returns {"links": [...]}, the schedule of "node".
func (s *Service) ListLinks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var links []model.Link
	if err := s.net.Do(ctx, func() error {
		links = nd.Schedule().Snapshot()
		return nil
	}); err != nil {
		return nil, ToStatusError(err)
	}
	out := make([]any, 0, len(links))
	for _, l := range links {
		out = append(out, linkMap(l))
	}
	resp, err := newStruct(map[string]any{"links": out})
	return resp, ToStatusError(err)
}

// AddLink installs a link on "node": "timeslot", "channel_offset",
// "options" ("TX|SH"), "type" and "peer" (broadcast when omitted). It
// returns the installed link.
func (s *Service) AddLink(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	cell, err := cellArg(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	optStr, err := stringArg(in, "options")
	if err != nil {
		return nil, ToStatusError(err)
	}
	opts, err := model.ParseLinkOptions(optStr)
	if err != nil || opts == 0 {
		return nil, ToStatusError(fmt.Errorf("%w: options %q", ErrInvalidArgument, optStr))
	}
	typStr, err := stringArg(in, "type")
	if err != nil {
		return nil, ToStatusError(err)
	}
	typ, err := model.ParseLinkType(typStr)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	dst, ok, err := optAddrArg(in, "peer")
	if err != nil {
		return nil, ToStatusError(err)
	}
	if !ok {
		dst = model.BroadcastAddr
	}
	sf := nd.Config().SlotframeHandle

	var link model.Link
	err = nd.Update(ctx, func(sc *core.Schedule) error {
		l, err := sc.AddLink(sf, opts, typ, dst, cell)
		if err != nil {
			return err
		}
		link = *l
		return nil
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "link added",
		logging.String("node", nd.Addr().String()), logging.String("link", link.String()))
	resp, err := newStruct(linkMap(link))
	return resp, ToStatusError(err)
}

// RemoveLink removes the link at "timeslot" from "node".
func (s *Service) RemoveLink(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	ts, err := requiredUint(in, "timeslot", math.MaxUint16)
	if err != nil {
		return nil, ToStatusError(err)
	}
	sf := nd.Config().SlotframeHandle
	err = nd.Update(ctx, func(sc *core.Schedule) error {
		_, err := sc.RemoveLink(sf, uint16(ts))
		return err
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// AddCells starts a 6P ADD of "count" cells (default 1) from "node" to
// "peer". The transaction completes asynchronously; the response only
// reports that it started.
func (s *Service) AddCells(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	dst, err := peer(in, nd)
	if err != nil {
		return nil, ToStatusError(err)
	}
	count, err := uintArg(in, "count", 1, 16)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if count == 0 {
		return nil, ToStatusError(fmt.Errorf("%w: count must be positive", ErrInvalidArgument))
	}
	if err := s.net.Do(ctx, func() error { return nd.AddCells(dst, int(count)) }); err != nil {
		return nil, ToStatusError(err)
	}
	return started("ADD", dst)
}

// DeleteCell starts a 6P DELETE of one cell from "node" to "peer".
func (s *Service) DeleteCell(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	dst, err := peer(in, nd)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.net.Do(ctx, func() error { return nd.DeleteCell(dst) }); err != nil {
		return nil, ToStatusError(err)
	}
	return started("DELETE", dst)
}

// RelocateCell starts a 6P RELOCATE of the cell at "timeslot" and
// "channel_offset", offering "offered" (default 3) pool candidates.
func (s *Service) RelocateCell(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	dst, err := peer(in, nd)
	if err != nil {
		return nil, ToStatusError(err)
	}
	cell, err := cellArg(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	offered, err := uintArg(in, "offered", 3, 16)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.net.Do(ctx, func() error { return nd.RelocateCell(dst, cell, int(offered)) }); err != nil {
		return nil, ToStatusError(err)
	}
	return started("RELOCATE", dst)
}

func started(cmd string, dst model.Addr) (*structpb.Struct, error) {
	resp, err := newStruct(map[string]any{"command": cmd, "peer": dst.String(), "started": true})
	return resp, ToStatusError(err)
}

// GetCellStats returns {"entries": [...]}, the cell statistics of "node".
func (s *Service) GetCellStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var entries []any
	if err := s.net.Do(ctx, func() error {
		for _, e := range nd.Engine().Stats().Entries() {
			entries = append(entries, map[string]any{
				"timeslot":         int(e.Cell.Timeslot),
				"channel_offset":   int(e.Cell.ChannelOffset),
				"tx_total":         e.TxTotal,
				"tx_success":       e.TxSuccess,
				"pdr":              e.PDR(),
				"relevant":         e.Relevant,
				"pending":          e.Pending,
				"allocation_index": e.AllocationIndex,
			})
		}
		return nil
	}); err != nil {
		return nil, ToStatusError(err)
	}
	resp, err := newStruct(map[string]any{"entries": entries})
	return resp, ToStatusError(err)
}

// ListRelocationCandidates returns {"candidates": [...], "blacklist": [...]}
// for a node that runs the cell manager.
func (s *Service) ListRelocationCandidates(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var cands, black []model.Cell
	if err := s.net.Do(ctx, func() error {
		p := nd.Pool()
		if p == nil {
			return node.ErrNoCellMgr
		}
		cands, black = p.Candidates(), p.Blacklist()
		return nil
	}); err != nil {
		return nil, ToStatusError(err)
	}
	resp, err := newStruct(map[string]any{"candidates": cellList(cands), "blacklist": cellList(black)})
	return resp, ToStatusError(err)
}

// GetSyncState returns the synchronisation state of "node".
func (s *Service) GetSyncState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nd, err := s.lookup(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var st node.SyncState
	if err := s.net.Do(ctx, func() error {
		st = nd.SyncState()
		return nil
	}); err != nil {
		return nil, ToStatusError(err)
	}
	resp, err := newStruct(map[string]any{
		"associated":       st.Associated,
		"coordinator":      st.Coordinator,
		"scanning":         st.Scanning,
		"reachable":        st.Reachable,
		"asn":              float64(st.ASN),
		"time_source":      st.TimeSource.String(),
		"join_priority":    int(st.JoinPriority),
		"last_sync_asn":    float64(st.LastSyncASN),
		"uptime":           st.Uptime.String(),
		"drift_ppm":        st.DriftPPM,
		"drift_correction": st.Compensation.String(),
	})
	return resp, ToStatusError(err)
}

// SetRadioLink changes the radio link between "a" and "b": "prr" (default
// 1), "rssi" (default -60), or "remove": true to put them out of range.
func (s *Service) SetRadioLink(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	a, err := addrArg(in, "a")
	if err != nil {
		return nil, ToStatusError(err)
	}
	b, err := addrArg(in, "b")
	if err != nil {
		return nil, ToStatusError(err)
	}
	remove, err := boolArg(in, "remove")
	if err != nil {
		return nil, ToStatusError(err)
	}
	prr, err := floatArg(in, "prr", 1)
	if err != nil {
		return nil, ToStatusError(err)
	}
	rssi, err := floatArg(in, "rssi", -60)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if rssi < math.MinInt8 || rssi > math.MaxInt8 {
		return nil, ToStatusError(fmt.Errorf("%w: rssi out of range", ErrInvalidArgument))
	}
	err = s.net.Do(ctx, func() error {
		if remove {
			if !s.net.RemoveLink(a, b) {
				return fmt.Errorf("%w: radio link %s-%s", ErrNotFound, a, b)
			}
			return nil
		}
		return s.net.SetLink(a, b, sim.LinkQuality{PRR: prr, RSSI: int8(rssi)})
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}
