package nmapai

import (
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func buildTestOrchestrator(t *testing.T, set *Settings, script, database string) *Orchestrator {
	t.Helper()
	art, err := NewArtifacts(afero.NewMemMapFs(), "out")
	if err != nil {
		t.Fatalf("failed to create artifacts: %v", err)
	}
	return NewOrchestrator(set, art, script, database)
}

func TestBuildArgs(t *testing.T) {
	set := DefaultSettings()
	set.Scan.Params = "-sV -T4"

	orch := buildTestOrchestrator(t, set, "", "")
	got, err := orch.BuildArgs("out/targets_clean.txt")
	if err != nil {
		t.Fatalf("failed to build args: %v", err)
	}

	want := []string{
		"-iL", "out/targets_clean.txt",
		"-sV", "-T4",
		"--stats-every", "2s",
		"-oN", "out/nmap_results.nmap",
		"-oG", "out/nmap_results.gnmap",
		"-oX", "out/nmap_results.xml",
		"-v",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestBuildArgsAnnotated(t *testing.T) {
	set := DefaultSettings()
	set.Scan.Params = "-sV"
	set.Annotate.Enabled = true
	set.Annotate.MinSeverity = "HIGH"
	set.Annotate.Output = "full"

	orch := buildTestOrchestrator(t, set, "dursvuln.nse", "cve-main.json")
	got, err := orch.BuildArgs("t.txt")
	if err != nil {
		t.Fatalf("failed to build args: %v", err)
	}

	var script, scriptArgs string
	for i, arg := range got {
		switch arg {
		case "--script":
			script = got[i+1]
		case "--script-args":
			scriptArgs = got[i+1]
		}
	}
	if script != "dursvuln.nse" {
		t.Errorf("expected script dursvuln.nse, got %q", script)
	}
	want := "db_path=cve-main.json,min_severity=HIGH,dursvuln.output=full"
	if scriptArgs != want {
		t.Errorf("expected script-args %q, got %q", want, scriptArgs)
	}
}

func TestBuildArgsNoDatabase(t *testing.T) {
	set := DefaultSettings()
	set.Annotate.Enabled = true
	set.Annotate.MinSeverity = ""
	set.Annotate.Output = ""

	orch := buildTestOrchestrator(t, set, "dursvuln", "")
	got, err := orch.BuildArgs("t.txt")
	if err != nil {
		t.Fatalf("failed to build args: %v", err)
	}

	for _, arg := range got {
		if arg == "--script-args" {
			t.Errorf("expected no script-args with nothing to pass, got %v", got)
		}
	}
}

func TestProgressLine(t *testing.T) {
	line := "Service scan Timing: About 42.50% done; ETC: 14:05 (0:01:12 remaining)"
	m := progressRe.FindStringSubmatch(line)
	if m == nil || m[1] != "42.50" {
		t.Fatalf("expected to match progress percentage, got %v", m)
	}
	e := etcRe.FindStringSubmatch(line)
	if e == nil || e[1] != "14:05 (0:01:12 remaining)" {
		t.Fatalf("expected to match ETC, got %v", e)
	}
}
