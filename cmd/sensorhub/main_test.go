package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	sensors := filepath.Join(dir, "sensors.yaml")
	content := "sensors:\n" +
		"  - id: sim_env\n    driver: mock\n    type: environmental\n" +
		"  - id: sim_light\n    driver: mock\n    type: light\n"
	if err := os.WriteFile(sensors, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	env := filepath.Join(dir, ".env")
	lines := []string{
		"SENSORHUB_DB_PATH=" + filepath.Join(dir, "sensorhub.db"),
		"SENSORHUB_SENSORS_FILE=" + sensors,
		"SENSORHUB_LOG_LEVEL=error",
	}
	if err := os.WriteFile(env, []byte(strings.Join(lines, "\n")), 0600); err != nil {
		t.Fatal(err)
	}
	return env
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCollectOnceThenQuery(t *testing.T) {
	env := writeSetup(t)

	out, err := run(t, "collect", "--once", "--env", env)
	if err != nil {
		t.Fatalf("collect --once: %v", err)
	}
	if !strings.Contains(out, `"ok": 2`) {
		t.Errorf("collect output = %s", out)
	}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"latest", []string{"readings"}, []string{"sim_env", "sim_light", "temperature=", "light_level="}},
		{"history", []string{"readings", "sim_light", "--since", "1h"}, []string{"sim_light", "ok"}},
		{"recent json", []string{"readings", "--since", "1h", "--json"}, []string{`"sensorId": "sim_env"`}},
		{"sensors", []string{"sensors"}, []string{"sim_env", "mock", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, append(tt.args, "--env", env)...)
			if err != nil {
				t.Fatalf("%v: %v", tt.args, err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}

	if _, err := run(t, "readings", "nope", "--env", env); err == nil {
		t.Error("expected error for unknown sensor")
	}

	out, err = run(t, "prune", "--older-than", "1ns", "--env", env)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Deleted 2 readings") {
		t.Errorf("prune output = %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "--env", filepath.Join(t.TempDir(), "missing", ".env"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "sensorhub dev" {
		t.Errorf("version output = %q", out)
	}
}
