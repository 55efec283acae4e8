package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults_Node(t *testing.T) {
	t.Parallel()

	cfg := Config{Node: &NodeConfig{Name: "lamp-1", DataDir: "/var/lib/meshota"}}
	ApplyDefaults(&cfg)

	if cfg.Node.MeshListen != DefaultMeshListen {
		t.Fatalf("mesh_listen=%q", cfg.Node.MeshListen)
	}
	if cfg.Node.GatewayName != DefaultGatewayName {
		t.Fatalf("gateway_name=%q", cfg.Node.GatewayName)
	}
	if cfg.Node.HeartbeatSec != DefaultHeartbeatSec || cfg.Node.LivenessSec != DefaultLivenessSec {
		t.Fatalf("timers: %+v", cfg.Node)
	}
	if cfg.Node.LogLevel != DefaultLogLevel {
		t.Fatalf("log_level=%q", cfg.Node.LogLevel)
	}
}

func TestApplyDefaults_Gateway(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Node:    &NodeConfig{Name: "gw", DataDir: "/data"},
		Gateway: &GatewayConfig{},
	}
	ApplyDefaults(&cfg)

	if cfg.Gateway.Listen != DefaultAPIListen {
		t.Fatalf("listen=%q", cfg.Gateway.Listen)
	}
	if want := filepath.Join("/data", "history.csv"); cfg.Gateway.HistoryPath != want {
		t.Fatalf("history_path=%q want %q", cfg.Gateway.HistoryPath, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(Config{}); err == nil {
		t.Fatalf("empty config must not validate")
	}
	if err := Validate(Config{Node: &NodeConfig{DataDir: "/d"}}); err == nil {
		t.Fatalf("missing name must not validate")
	}
	if err := Validate(Config{Node: &NodeConfig{Name: "n1"}}); err == nil {
		t.Fatalf("missing data_dir must not validate")
	}
	// A peer without a gateway address has nobody to talk to.
	if err := Validate(Config{Node: &NodeConfig{Name: "n1", DataDir: "/d"}}); err == nil {
		t.Fatalf("peer without gateway_addr must not validate")
	}
	ok := Config{Node: &NodeConfig{Name: "n1", DataDir: "/d", GatewayAddr: "10.0.0.1:7070"}}
	if err := Validate(ok); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	gw := Config{Node: &NodeConfig{Name: "gw", DataDir: "/d"}, Gateway: &GatewayConfig{}}
	if err := Validate(gw); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestLoadSave_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "meshota.yaml")
	cfg := Config{
		Node: &NodeConfig{Name: "gw", DataDir: tmp},
		Gateway: &GatewayConfig{
			Peers: map[string]string{"lamp-1": "10.0.0.2:7070"},
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Node.Name != "gw" || got.Gateway == nil {
		t.Fatalf("round trip: %+v", got)
	}
	if got.Gateway.Peers["lamp-1"] != "10.0.0.2:7070" {
		t.Fatalf("peers: %+v", got.Gateway.Peers)
	}
	// Defaults are applied on load.
	if got.Node.MeshListen != DefaultMeshListen || got.Gateway.Listen != DefaultAPIListen {
		t.Fatalf("defaults not applied: %+v", got)
	}
}
