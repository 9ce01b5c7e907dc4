package nmapai

import (
	"testing"
)

func seedRun(t *testing.T) (*repositoryRegistry, *Run) {
	t.Helper()
	registry := newRepositoryRegistry("-")
	run := &Run{Dir: "out", Params: "-sV", TargetCount: 1}
	if err := registry.Runs().addRun(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return registry, run
}

func TestSaveRecordsSetSemantics(t *testing.T) {
	registry, run := seedRun(t)
	records := []*ScanRecord{
		{RunID: run.ID, Host: "h1", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
		{RunID: run.ID, Host: "h1", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
	}
	if err := registry.Records().saveRecords(records); err != nil {
		t.Fatalf("failed to save records: %v", err)
	}

	// same observations again, conflicts drop silently
	dup := []*ScanRecord{
		{RunID: run.ID, Host: "h1", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
	}
	if err := registry.Records().saveRecords(dup); err != nil {
		t.Fatalf("failed to save duplicate records: %v", err)
	}

	got, err := registry.Records().getRecords(run.ID)
	if err != nil {
		t.Fatalf("failed to fetch records: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 records, got %d", len(got))
	}
	if got[0].Port != 22 || got[1].Port != 80 {
		t.Errorf("expected insertion order, got %d then %d", got[0].Port, got[1].Port)
	}
}

func TestHostRecordsCache(t *testing.T) {
	registry, run := seedRun(t)
	records := []*ScanRecord{
		{RunID: run.ID, Host: "h1", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
		{RunID: run.ID, Host: "h2", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
	}
	if err := registry.Records().saveRecords(records); err != nil {
		t.Fatalf("failed to save records: %v", err)
	}

	first, err := registry.Records().hostRecords(run.ID, "h1")
	if err != nil {
		t.Fatalf("failed to fetch host records: %v", err)
	}
	if len(first) != 1 || first[0].Host != "h1" {
		t.Errorf("expected h1's record, got %+v", first)
	}

	// second lookup is served from the cache
	second, err := registry.Records().hostRecords(run.ID, "h1")
	if err != nil {
		t.Fatalf("failed to fetch cached records: %v", err)
	}
	if len(second) != 1 || second[0].Port != first[0].Port {
		t.Errorf("expected a cached copy, got %+v", second)
	}

	// a new observation for the host invalidates the entry
	more := []*ScanRecord{
		{RunID: run.ID, Host: "h1", Port: 443, Protocol: "tcp", Service: "https", State: "open"},
	}
	if err := registry.Records().saveRecords(more); err != nil {
		t.Fatalf("failed to save more records: %v", err)
	}

	third, err := registry.Records().hostRecords(run.ID, "h1")
	if err != nil {
		t.Fatalf("failed to refetch host records: %v", err)
	}
	if len(third) != 2 {
		t.Errorf("expected the fresh record set, got %+v", third)
	}
}

func TestProbeAndAnalysisRows(t *testing.T) {
	registry, run := seedRun(t)

	rep := &ProbeReport{RunID: run.ID, Host: "h1", Port: 80, Scheme: "http", Failed: true, Error: "boom"}
	if err := registry.Probes().addReport(rep); err != nil {
		t.Fatalf("failed to record probe outcome: %v", err)
	}

	row := &Analysis{RunID: run.ID, ChunkIndex: 1, Status: statusSucceeded, Content: "fine"}
	if err := registry.Analyses().addAnalysis(row); err != nil {
		t.Fatalf("failed to record analysis outcome: %v", err)
	}
}
