package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/tsch-simulator/internal/control"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
)

const smokeScenario = `{
  "name": "smoke",
  "seed": 3,
  "target_cells": 3,
  "nodes": [
    {"id": 1, "role": "coordinator"},
    {"id": 2, "role": "child", "drift_ppm": 20}
  ],
  "links": [{"a": 1, "b": 2, "rssi": -50}],
  "allocation": {"static_delay": "2s"}
}`

func writeScenario(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.json")
	if err := os.WriteFile(path, []byte(smokeScenario), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadScenario(t *testing.T) {
	s, err := loadScenario(Config{ScenarioPath: writeScenario(t), Seed: 99})
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if s.Name != "smoke" || s.Seed != 99 || len(s.Nodes) != 2 {
		t.Fatalf("scenario = %+v", s)
	}

	def, err := loadScenario(Config{})
	if err != nil {
		t.Fatalf("loadScenario(default): %v", err)
	}
	if def.Name != "default" || def.Seed != 1 {
		t.Fatalf("default scenario = %s seed %d", def.Name, def.Seed)
	}

	if _, err := loadScenario(Config{ScenarioPath: filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestBundledScenarioLoads(t *testing.T) {
	s, err := loadScenario(Config{ScenarioPath: filepath.Join("..", "..", "configs", "scenario.json")})
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if s.Interference == nil || len(s.Interference.Cells) != 4 {
		t.Fatalf("interference = %+v", s.Interference)
	}
}

func TestRunWithJournal(t *testing.T) {
	cfg := Config{
		ScenarioPath: writeScenario(t),
		Duration:     45 * time.Second,
		Accelerated:  true,
		JournalPath:  filepath.Join(t.TempDir(), "run.db"),
	}
	log := logging.NewCapture()
	if err := run(context.Background(), cfg, log, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(cfg.JournalPath); err != nil {
		t.Fatalf("journal not written: %v", err)
	}
	summaries := log.Matching("node summary")
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	if summaries[1].Fields["associated"] != true {
		t.Fatalf("child did not associate: %v", summaries[1].Fields)
	}
}

func TestControlServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := Config{
		ScenarioPath: writeScenario(t),
		Duration:     24 * time.Hour,
		Accelerated:  false,
	}
	log := logging.New(logging.Config{Level: "warn", Format: "text"})

	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(runCtx, cfg, log, lis)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	client := control.NewClient(conn)
	resp, err := client.GetSyncState(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if !resp.GetFields()["coordinator"].GetBoolValue() {
		t.Fatalf("node 1 is not the coordinator: %v", resp)
	}

	stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}
