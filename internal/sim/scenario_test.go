package sim

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

const scenarioJSONText = `{
  "name": "two-hop",
  "seed": 42,
  "slotframe_length": 53,
  "target_cells": 12,
  "network_key": "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
  "traffic": false,
  "nodes": [
    {"id": 1, "role": "coordinator"},
    {"id": 2, "role": "child", "drift_ppm": 20, "offset": "1.5ms"},
    {"id": 3, "role": "interferer", "start_delay": "2s"},
    {"id": 4, "parent": 2}
  ],
  "links": [
    {"a": 1, "b": 2, "prr": 0.9, "rssi": -70, "channel_prr": {"15": 0.2}},
    {"a": 2, "b": 4}
  ],
  "interference": {
    "cells": [{"timeslot": 7, "channel_offset": 1}],
    "start": "1m",
    "stop": "5m"
  },
  "timers": {"eb_period": "2s", "rejoin_delay": "500ms"},
  "relocation": {"startup_delay": "10s", "period": "20s", "threshold": 0.3},
  "allocation": {"static_delay": "3s"}
}`

func TestParseScenario(t *testing.T) {
	s, err := LoadScenario(strings.NewReader(scenarioJSONText))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if s.Name != "two-hop" || s.Seed != 42 || s.SlotframeLength != 53 || s.TargetCells != 12 || s.Traffic {
		t.Fatalf("header = %+v", s)
	}
	if len(s.NetworkKey) != 32 || s.NetworkKey[31] != 0x1f {
		t.Fatalf("network key = %x", s.NetworkKey)
	}
	if len(s.Nodes) != 4 {
		t.Fatalf("nodes = %d", len(s.Nodes))
	}
	child := s.Nodes[1]
	if child.Role != RoleChild || child.DriftPPM != 20 || child.Offset != 1500*time.Microsecond {
		t.Fatalf("child = %+v", child)
	}
	if s.Nodes[2].StartDelay != 2*time.Second || s.Nodes[3].Role != RoleNode {
		t.Fatalf("nodes = %+v", s.Nodes)
	}
	if got := s.ParentOf(s.Nodes[3]); got != model.AddrFromID(2) {
		t.Fatalf("ParentOf(4) = %v", got)
	}
	if got := s.ParentOf(child); got != model.AddrFromID(1) {
		t.Fatalf("ParentOf(2) = %v", got)
	}

	l := s.Links[0].Quality
	if l.PRR != 0.9 || l.RSSI != -70 || l.prr(15) != 0.2 || l.prr(20) != 0.9 {
		t.Fatalf("link = %+v", l)
	}
	if d := s.Links[1].Quality; d.PRR != 1 || d.RSSI != -60 {
		t.Fatalf("default link = %+v", d)
	}

	in := s.Interference
	if in == nil || len(in.Cells) != 1 || in.Cells[0] != (model.Cell{Timeslot: 7, ChannelOffset: 1}) {
		t.Fatalf("interference = %+v", in)
	}
	if in.Start != time.Minute || in.Stop != 5*time.Minute {
		t.Fatalf("interference window = %v..%v", in.Start, in.Stop)
	}

	if s.Timers.EBPeriod != 2*time.Second || s.Timers.RejoinDelay != 500*time.Millisecond {
		t.Fatalf("timers = %+v", s.Timers)
	}
	if s.Timers.KeepaliveTimeout != DefaultTimers().KeepaliveTimeout {
		t.Fatalf("keepalive default lost: %v", s.Timers.KeepaliveTimeout)
	}
	c := s.Controllers
	if c.RelocationStartup != 10*time.Second || c.RelocationPeriod != 20*time.Second || c.Threshold != 0.3 || c.StaticDelay != 3*time.Second {
		t.Fatalf("controllers = %+v", c)
	}
}

func TestParseScenarioDefaults(t *testing.T) {
	s, err := ParseScenario([]byte(`{"nodes": [{"id": 1, "role": "root"}]}`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	if s.Seed != 1 || s.SlotframeLength != 101 || s.TargetCells != 30 || !s.Traffic {
		t.Fatalf("defaults = %+v", s)
	}
	if s.Timers != DefaultTimers() {
		t.Fatalf("timers = %+v", s.Timers)
	}
}

func TestParseScenarioRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"no coordinator", `{"nodes": [{"id": 1}]}`},
		{"two coordinators", `{"nodes": [{"id": 1, "role": "coordinator"}, {"id": 2, "role": "coordinator"}]}`},
		{"duplicate id", `{"nodes": [{"id": 1, "role": "coordinator"}, {"id": 1}]}`},
		{"reserved id", `{"nodes": [{"id": 0, "role": "coordinator"}]}`},
		{"unknown role", `{"nodes": [{"id": 1, "role": "gateway"}]}`},
		{"unknown parent", `{"nodes": [{"id": 1, "role": "coordinator"}, {"id": 2, "parent": 9}]}`},
		{"link to unknown node", `{"nodes": [{"id": 1, "role": "coordinator"}], "links": [{"a": 1, "b": 2}]}`},
		{"prr out of range", `{"nodes": [{"id": 1, "role": "coordinator"}, {"id": 2}], "links": [{"a": 1, "b": 2, "prr": 2}]}`},
		{"bad duration", `{"nodes": [{"id": 1, "role": "coordinator", "offset": "soon"}]}`},
		{"unknown timer", `{"nodes": [{"id": 1, "role": "coordinator"}], "timers": {"nap": "1s"}}`},
		{"short key", `{"network_key": "0011", "nodes": [{"id": 1, "role": "coordinator"}]}`},
		{"minimal cell interfered", `{"nodes": [{"id": 1, "role": "coordinator"}], "interference": {"cells": [{"timeslot": 0}]}}`},
		{"window inverted", `{"nodes": [{"id": 1, "role": "coordinator"}], "interference": {"start": "2m", "stop": "1m"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseScenario([]byte(tc.in)); !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("ParseScenario = %v, want ErrInvalidScenario", err)
			}
		})
	}

	if _, err := ParseScenario([]byte(`{`)); err == nil {
		t.Fatalf("truncated JSON accepted")
	}
}

func TestDefaultScenarioIsValid(t *testing.T) {
	s := DefaultScenario()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c, ok := s.Coordinator(); !ok || c.ID != 1 {
		t.Fatalf("Coordinator = %+v, %v", c, ok)
	}
	if RoleInterferer.String() != "interferer" || Role(99).String() != "node" {
		t.Fatalf("role names")
	}
}
