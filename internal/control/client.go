package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client of the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) call(ctx context.Context, method string, in map[string]any, out any, opts ...grpc.CallOption) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, method, req, out, opts...)
}

func (c *Client) ListNodes(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListNodes, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListLinks returns the schedule of node, given as a short ID or address
// string.
func (c *Client) ListLinks(ctx context.Context, node any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodListLinks, map[string]any{"node": node}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// AddLink installs a link. req carries "node", "timeslot",
// "channel_offset", "options", "type" and "peer".
func (c *Client) AddLink(ctx context.Context, req map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodAddLink, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveLink(ctx context.Context, node any, timeslot int, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodRemoveLink, map[string]any{"node": node, "timeslot": timeslot}, new(emptypb.Empty), opts...)
}

// AddCells asks node to negotiate count cells with its parent.
func (c *Client) AddCells(ctx context.Context, node any, count int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodAddCells, map[string]any{"node": node, "count": count}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteCell(ctx context.Context, node any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodDeleteCell, map[string]any{"node": node}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RelocateCell(ctx context.Context, node any, timeslot, channelOffset int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	req := map[string]any{"node": node, "timeslot": timeslot, "channel_offset": channelOffset}
	if err := c.call(ctx, MethodRelocateCell, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCellStats(ctx context.Context, node any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodGetCellStats, map[string]any{"node": node}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListRelocationCandidates(ctx context.Context, node any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodListRelocationCandidates, map[string]any{"node": node}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSyncState(ctx context.Context, node any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, MethodGetSyncState, map[string]any{"node": node}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRadioLink changes the link quality between a and b.
func (c *Client) SetRadioLink(ctx context.Context, a, b any, prr float64, rssi int, opts ...grpc.CallOption) error {
	req := map[string]any{"a": a, "b": b, "prr": prr, "rssi": rssi}
	return c.call(ctx, MethodSetRadioLink, req, new(emptypb.Empty), opts...)
}

// RemoveRadioLink puts a and b out of range.
func (c *Client) RemoveRadioLink(ctx context.Context, a, b any, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodSetRadioLink, map[string]any{"a": a, "b": b, "remove": true}, new(emptypb.Empty), opts...)
}
