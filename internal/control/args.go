package control

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// Request bodies are JSON-like structs. Node addresses are given either as a
// numeric short ID ("node": 2) or as an address string
// ("node": "00:12:4b:00:00:00:00:02").

func field(in *structpb.Struct, key string) (*structpb.Value, bool) {
	if in == nil {
		return nil, false
	}
	v, ok := in.GetFields()[key]
	if !ok || v == nil {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func addrArg(in *structpb.Struct, key string) (model.Addr, error) {
	v, ok := field(in, key)
	if !ok {
		return model.Addr{}, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return addrValue(v, key)
}

func optAddrArg(in *structpb.Struct, key string) (model.Addr, bool, error) {
	v, ok := field(in, key)
	if !ok {
		return model.Addr{}, false, nil
	}
	a, err := addrValue(v, key)
	return a, err == nil, err
}

func addrValue(v *structpb.Value, key string) (model.Addr, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		id := k.NumberValue
		if id != math.Trunc(id) || id <= 0 || id > math.MaxUint16 {
			return model.Addr{}, fmt.Errorf("%w: %s: bad node id %v", ErrInvalidArgument, key, id)
		}
		return model.AddrFromID(uint16(id)), nil
	case *structpb.Value_StringValue:
		a, err := model.ParseAddr(k.StringValue)
		if err != nil {
			return model.Addr{}, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return a, nil
	}
	return model.Addr{}, fmt.Errorf("%w: %s must be a number or a string", ErrInvalidArgument, key)
}

func uintArg(in *structpb.Struct, key string, def, max uint64) (uint64, error) {
	v, ok := field(in, key)
	if !ok {
		return def, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f < 0 || f > float64(max) {
		return 0, fmt.Errorf("%w: %s out of range: %v", ErrInvalidArgument, key, f)
	}
	return uint64(f), nil
}

func requiredUint(in *structpb.Struct, key string, max uint64) (uint64, error) {
	if _, ok := field(in, key); !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return uintArg(in, key, 0, max)
}

func floatArg(in *structpb.Struct, key string, def float64) (float64, error) {
	v, ok := field(in, key)
	if !ok {
		return def, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
	}
	return n.NumberValue, nil
}

func stringArg(in *structpb.Struct, key string) (string, error) {
	v, ok := field(in, key)
	if !ok {
		return "", nil
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgument, key)
	}
	return s.StringValue, nil
}

func boolArg(in *structpb.Struct, key string) (bool, error) {
	v, ok := field(in, key)
	if !ok {
		return false, nil
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidArgument, key)
	}
	return b.BoolValue, nil
}

func cellArg(in *structpb.Struct) (model.Cell, error) {
	ts, err := requiredUint(in, "timeslot", math.MaxUint16)
	if err != nil {
		return model.Cell{}, err
	}
	ch, err := uintArg(in, "channel_offset", 0, math.MaxUint16)
	if err != nil {
		return model.Cell{}, err
	}
	return model.Cell{Timeslot: uint16(ts), ChannelOffset: uint16(ch)}, nil
}

func cellMap(c model.Cell) map[string]any {
	return map[string]any{"timeslot": int(c.Timeslot), "channel_offset": int(c.ChannelOffset)}
}

func cellList(cells []model.Cell) []any {
	out := make([]any, 0, len(cells))
	for _, c := range cells {
		out = append(out, cellMap(c))
	}
	return out
}

func linkMap(l model.Link) map[string]any {
	return map[string]any{
		"handle":         int(l.Handle),
		"slotframe":      int(l.SlotframeHandle),
		"timeslot":       int(l.Timeslot),
		"channel_offset": int(l.ChannelOffset),
		"options":        l.Options.String(),
		"type":           l.Type.String(),
		"peer":           l.Addr.String(),
		"peer_id":        int(l.Addr.ID()),
	}
}

// newStruct builds a response body; it fails only on unsupported value types.
func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}
