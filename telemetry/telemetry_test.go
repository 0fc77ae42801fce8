package telemetry

import (
	"testing"

	"aegis/logger"
	"aegis/version"
)

func init() {
	logger.Init("error")
}

func TestCollectAlwaysUsable(t *testing.T) {
	snap := Collect()
	if snap.Platform == "" || snap.Arch == "" {
		t.Fatalf("snapshot missing baseline fields: %+v", snap)
	}
	if snap.AgentVersion != version.Version {
		t.Fatalf("agent version: %s", snap.AgentVersion)
	}
}

func TestAsMapSkipsEmptyFields(t *testing.T) {
	m := Snapshot{Platform: "android", Arch: "arm64", AgentVersion: "test"}.AsMap()
	if m["platform"] != "android" || m["arch"] != "arm64" {
		t.Fatalf("map: %+v", m)
	}
	if _, ok := m["cpu_model"]; ok {
		t.Fatal("empty cpu_model must be omitted")
	}
	if _, ok := m["memory_total"]; ok {
		t.Fatal("zero memory_total must be omitted")
	}
	if _, ok := m["collected_at"]; !ok {
		t.Fatal("collected_at must be stamped")
	}
}
