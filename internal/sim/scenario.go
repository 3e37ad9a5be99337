package sim

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// ErrInvalidScenario wraps every validation failure of a scenario.
var ErrInvalidScenario = errors.New("sim: invalid scenario")

// Role is what a simulated node does.
type Role int

const (
	// RoleNode joins the network and only forwards its minimal-cell traffic.
	RoleNode Role = iota
	// RoleCoordinator forms the network and answers 6P requests.
	RoleCoordinator
	// RoleChild runs the allocation and relocation controllers towards its
	// parent.
	RoleChild
	// RoleInterferer broadcasts on the interfered cells.
	RoleInterferer
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleChild:
		return "child"
	case RoleInterferer:
		return "interferer"
	default:
		return "node"
	}
}

func parseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "node":
		return RoleNode, nil
	case "coordinator", "root":
		return RoleCoordinator, nil
	case "child":
		return RoleChild, nil
	case "interferer":
		return RoleInterferer, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// NodeSpec describes one simulated node.
type NodeSpec struct {
	ID   uint16
	Role Role
	// Parent is the routing parent and the node the controllers negotiate
	// with. Zero means the coordinator.
	Parent   uint16
	DriftPPM float64
	// Offset is the initial error of the local clock.
	Offset time.Duration
	// StartDelay postpones the node's power-on.
	StartDelay time.Duration
}

func (n NodeSpec) Addr() model.Addr { return model.AddrFromID(n.ID) }

// LinkSpec is the radio link between two nodes.
type LinkSpec struct {
	A, B    uint16
	Quality LinkQuality
}

// InterferenceSpec is the interferer's activity.
type InterferenceSpec struct {
	Cells []model.Cell
	Start time.Duration
	Stop  time.Duration
}

// Timers are the node-level periods.
type Timers struct {
	EBPeriod         time.Duration
	KeepaliveTimeout time.Duration
	RejoinDelay      time.Duration
	RouteDelay       time.Duration
}

// ControllerOverrides adjusts the cell manager defaults. Zero fields keep
// the defaults.
type ControllerOverrides struct {
	RelocationStartup time.Duration
	RelocationPeriod  time.Duration
	Threshold         float64
	StaticDelay       time.Duration
}

// Scenario is a complete simulated network.
type Scenario struct {
	Name            string
	Seed            uint64
	SlotframeLength uint16
	TargetCells     int
	// NetworkKey enables frame encryption when set; 32 bytes.
	NetworkKey   []byte
	Traffic      bool
	Nodes        []NodeSpec
	Links        []LinkSpec
	Interference *InterferenceSpec
	Timers       Timers
	Controllers  ControllerOverrides
}

// DefaultTimers returns the firmware periods.
func DefaultTimers() Timers {
	return Timers{
		EBPeriod:         4 * time.Second,
		KeepaliveTimeout: 12 * time.Second,
		RejoinDelay:      5 * time.Second,
		RouteDelay:       5 * time.Second,
	}
}

// DefaultScenario is the reference experiment: a coordinator, a child
// growing its cells towards it, and an interferer disturbing four cells
// from the start.
func DefaultScenario() *Scenario {
	return &Scenario{
		Name:            "default",
		Seed:            1,
		SlotframeLength: 101,
		TargetCells:     30,
		Traffic:         true,
		Nodes: []NodeSpec{
			{ID: 1, Role: RoleCoordinator},
			{ID: 2, Role: RoleChild, DriftPPM: 15, Offset: 3 * time.Millisecond},
			{ID: 3, Role: RoleInterferer, DriftPPM: -10, StartDelay: time.Second},
		},
		Links: []LinkSpec{
			{A: 1, B: 2, Quality: LinkQuality{PRR: 1, RSSI: -60}},
			{A: 1, B: 3, Quality: LinkQuality{PRR: 1, RSSI: -70}},
			{A: 2, B: 3, Quality: LinkQuality{PRR: 1, RSSI: -65}},
		},
		Interference: &InterferenceSpec{
			Cells: []model.Cell{
				{Timeslot: 20, ChannelOffset: 0},
				{Timeslot: 40, ChannelOffset: 1},
				{Timeslot: 60, ChannelOffset: 2},
				{Timeslot: 70, ChannelOffset: 3},
			},
		},
		Timers: DefaultTimers(),
	}
}

// Coordinator returns the coordinator's spec.
func (s *Scenario) Coordinator() (NodeSpec, bool) {
	for _, n := range s.Nodes {
		if n.Role == RoleCoordinator {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// ParentOf resolves the routing parent of n.
func (s *Scenario) ParentOf(n NodeSpec) model.Addr {
	if n.Parent != 0 {
		return model.AddrFromID(n.Parent)
	}
	c, _ := s.Coordinator()
	return c.Addr()
}

// Validate checks the structural rules of a scenario.
func (s *Scenario) Validate() error {
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidScenario)
	}
	if s.SlotframeLength < 2 {
		return fmt.Errorf("%w: slotframe length %d", ErrInvalidScenario, s.SlotframeLength)
	}
	if len(s.NetworkKey) != 0 && len(s.NetworkKey) != 32 {
		return fmt.Errorf("%w: network key must be 32 bytes, got %d", ErrInvalidScenario, len(s.NetworkKey))
	}
	ids := make(map[uint16]Role, len(s.Nodes))
	coordinators := 0
	for _, n := range s.Nodes {
		if n.ID == 0 {
			return fmt.Errorf("%w: node id 0 is reserved", ErrInvalidScenario)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %d", ErrInvalidScenario, n.ID)
		}
		ids[n.ID] = n.Role
		if n.Role == RoleCoordinator {
			coordinators++
		}
		if n.DriftPPM <= -1e6 {
			return fmt.Errorf("%w: node %d drift %.1f ppm", ErrInvalidScenario, n.ID, n.DriftPPM)
		}
		if n.StartDelay < 0 {
			return fmt.Errorf("%w: node %d negative start delay", ErrInvalidScenario, n.ID)
		}
	}
	if coordinators != 1 {
		return fmt.Errorf("%w: want exactly one coordinator, got %d", ErrInvalidScenario, coordinators)
	}
	for _, n := range s.Nodes {
		if n.Parent == 0 {
			continue
		}
		if _, ok := ids[n.Parent]; !ok || n.Parent == n.ID {
			return fmt.Errorf("%w: node %d has unknown parent %d", ErrInvalidScenario, n.ID, n.Parent)
		}
	}
	for _, l := range s.Links {
		if _, ok := ids[l.A]; !ok {
			return fmt.Errorf("%w: link to unknown node %d", ErrInvalidScenario, l.A)
		}
		if _, ok := ids[l.B]; !ok {
			return fmt.Errorf("%w: link to unknown node %d", ErrInvalidScenario, l.B)
		}
		if l.A == l.B {
			return fmt.Errorf("%w: link from node %d to itself", ErrInvalidScenario, l.A)
		}
		if l.Quality.PRR < 0 || l.Quality.PRR > 1 {
			return fmt.Errorf("%w: link %d-%d: %w", ErrInvalidScenario, l.A, l.B, ErrInvalidPRR)
		}
	}
	if in := s.Interference; in != nil {
		for _, c := range in.Cells {
			if c.Timeslot == model.MinimalCellTimeslot || c.Timeslot >= s.SlotframeLength {
				return fmt.Errorf("%w: interfered cell %s", ErrInvalidScenario, c)
			}
		}
		if in.Stop != 0 && in.Stop <= in.Start {
			return fmt.Errorf("%w: interference stops before it starts", ErrInvalidScenario)
		}
	}
	return nil
}

// internal JSON shapes, unexported so the file format can evolve
// independently of Scenario.
type scenarioJSON struct {
	Name            string            `json:"name"`
	Seed            *uint64           `json:"seed"`
	SlotframeLength uint16            `json:"slotframe_length"`
	TargetCells     int               `json:"target_cells"`
	NetworkKey      string            `json:"network_key"`
	Traffic         *bool             `json:"traffic"`
	Nodes           []nodeJSON        `json:"nodes"`
	Links           []linkJSON        `json:"links"`
	Interference    *interferenceJSON `json:"interference"`
	Timers          map[string]string `json:"timers"`
	Relocation      *relocationJSON   `json:"relocation"`
	Allocation      *allocationJSON   `json:"allocation"`
}

type nodeJSON struct {
	ID         uint16  `json:"id"`
	Role       string  `json:"role"`
	Parent     uint16  `json:"parent"`
	DriftPPM   float64 `json:"drift_ppm"`
	Offset     string  `json:"offset"`
	StartDelay string  `json:"start_delay"`
}

type linkJSON struct {
	A          uint16             `json:"a"`
	B          uint16             `json:"b"`
	PRR        *float64           `json:"prr"`
	RSSI       int8               `json:"rssi"`
	ChannelPRR map[string]float64 `json:"channel_prr"`
}

type cellJSON struct {
	Timeslot      uint16 `json:"timeslot"`
	ChannelOffset uint16 `json:"channel_offset"`
}

type interferenceJSON struct {
	Cells []cellJSON `json:"cells"`
	Start string     `json:"start"`
	Stop  string     `json:"stop"`
}

type relocationJSON struct {
	StartupDelay string  `json:"startup_delay"`
	Period       string  `json:"period"`
	Threshold    float64 `json:"threshold"`
}

type allocationJSON struct {
	StaticDelay string `json:"static_delay"`
}

// LoadScenario reads and validates a JSON scenario.
func LoadScenario(r io.Reader) (*Scenario, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("LoadScenario: read failed: %w", err)
	}
	return ParseScenario(raw)
}

// ParseScenario decodes and validates a JSON scenario. Durations are Go
// duration strings ("1.5s"); omitted fields take the defaults of
// DefaultScenario.
func ParseScenario(raw []byte) (*Scenario, error) {
	var payload scenarioJSON
	if err := sonnet.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("ParseScenario: decode failed: %w", err)
	}

	s := &Scenario{
		Name:            payload.Name,
		Seed:            1,
		SlotframeLength: payload.SlotframeLength,
		TargetCells:     payload.TargetCells,
		Traffic:         true,
		Timers:          DefaultTimers(),
	}
	if payload.Seed != nil {
		s.Seed = *payload.Seed
	}
	if s.SlotframeLength == 0 {
		s.SlotframeLength = 101
	}
	if s.TargetCells == 0 {
		s.TargetCells = 30
	}
	if payload.Traffic != nil {
		s.Traffic = *payload.Traffic
	}
	if payload.NetworkKey != "" {
		key, err := hex.DecodeString(payload.NetworkKey)
		if err != nil {
			return nil, fmt.Errorf("%w: network key: %v", ErrInvalidScenario, err)
		}
		s.NetworkKey = key
	}

	for _, n := range payload.Nodes {
		role, err := parseRole(n.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrInvalidScenario, n.ID, err)
		}
		spec := NodeSpec{ID: n.ID, Role: role, Parent: n.Parent, DriftPPM: n.DriftPPM}
		if spec.Offset, err = optDuration(n.Offset); err != nil {
			return nil, fmt.Errorf("%w: node %d offset: %v", ErrInvalidScenario, n.ID, err)
		}
		if spec.StartDelay, err = optDuration(n.StartDelay); err != nil {
			return nil, fmt.Errorf("%w: node %d start_delay: %v", ErrInvalidScenario, n.ID, err)
		}
		s.Nodes = append(s.Nodes, spec)
	}

	for _, l := range payload.Links {
		q := LinkQuality{PRR: 1, RSSI: l.RSSI}
		if l.PRR != nil {
			q.PRR = *l.PRR
		}
		if q.RSSI == 0 {
			q.RSSI = -60
		}
		for ch, p := range l.ChannelPRR {
			n, err := strconv.ParseUint(ch, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: link %d-%d channel %q", ErrInvalidScenario, l.A, l.B, ch)
			}
			if q.ChannelPRR == nil {
				q.ChannelPRR = make(map[uint8]float64, len(l.ChannelPRR))
			}
			q.ChannelPRR[uint8(n)] = p
		}
		s.Links = append(s.Links, LinkSpec{A: l.A, B: l.B, Quality: q})
	}

	if in := payload.Interference; in != nil {
		spec := &InterferenceSpec{}
		for _, c := range in.Cells {
			spec.Cells = append(spec.Cells, model.Cell{Timeslot: c.Timeslot, ChannelOffset: c.ChannelOffset})
		}
		var err error
		if spec.Start, err = optDuration(in.Start); err != nil {
			return nil, fmt.Errorf("%w: interference start: %v", ErrInvalidScenario, err)
		}
		if spec.Stop, err = optDuration(in.Stop); err != nil {
			return nil, fmt.Errorf("%w: interference stop: %v", ErrInvalidScenario, err)
		}
		s.Interference = spec
	}

	for name, v := range payload.Timers {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: timer %s: %v", ErrInvalidScenario, name, err)
		}
		switch name {
		case "eb_period":
			s.Timers.EBPeriod = d
		case "keepalive_timeout":
			s.Timers.KeepaliveTimeout = d
		case "rejoin_delay":
			s.Timers.RejoinDelay = d
		case "route_delay":
			s.Timers.RouteDelay = d
		default:
			return nil, fmt.Errorf("%w: unknown timer %q", ErrInvalidScenario, name)
		}
	}

	var err error
	if r := payload.Relocation; r != nil {
		if s.Controllers.RelocationStartup, err = optDuration(r.StartupDelay); err != nil {
			return nil, fmt.Errorf("%w: relocation startup_delay: %v", ErrInvalidScenario, err)
		}
		if s.Controllers.RelocationPeriod, err = optDuration(r.Period); err != nil {
			return nil, fmt.Errorf("%w: relocation period: %v", ErrInvalidScenario, err)
		}
		s.Controllers.Threshold = r.Threshold
	}
	if a := payload.Allocation; a != nil {
		if s.Controllers.StaticDelay, err = optDuration(a.StaticDelay); err != nil {
			return nil, fmt.Errorf("%w: allocation static_delay: %v", ErrInvalidScenario, err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func optDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
