package nmapai

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"
)

type grepableTester struct {
	input string
	want  []*ScanRecord
}

func (gt *grepableTester) runTest(test *testing.T, name string) {
	got := ParseGrepable(strings.NewReader(gt.input))
	if !reflect.DeepEqual(got, gt.want) {
		test.Errorf("[%s] expected %+v, got %+v", name, gt.want, got)
	}
}

var grepableTests = map[string]*grepableTester{
	"two-services": {
		input: "Host: 10.0.0.5 () Ports: 22/open/tcp//ssh///, 80/open/tcp//http///\n",
		want: []*ScanRecord{
			{Host: "10.0.0.5", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
			{Host: "10.0.0.5", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
		},
	},
	"open-only": {
		input: "Host: 10.0.0.5 () Ports: 22/open/tcp//ssh///, 23/closed/tcp//telnet///, 25/filtered/tcp//smtp///\n",
		want: []*ScanRecord{
			{Host: "10.0.0.5", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
		},
	},
	"missing-service-defaults": {
		input: "Host: 10.0.0.9 () Ports: 8081/open/tcp/////\n",
		want: []*ScanRecord{
			{Host: "10.0.0.9", Port: 8081, Protocol: "tcp", Service: "-", State: "open"},
		},
	},
	"duplicates-collapse": {
		input: "Host: 10.0.0.5 () Ports: 22/open/tcp//ssh///\n" +
			"Host: 10.0.0.5 () Ports: 22/open/tcp//ssh///, 80/open/tcp//http///\n",
		want: []*ScanRecord{
			{Host: "10.0.0.5", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
			{Host: "10.0.0.5", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
		},
	},
	"malformed-entry-skipped": {
		input: "Host: 10.0.0.5 () Ports: garbage, 80/open/tcp//http///\n",
		want: []*ScanRecord{
			{Host: "10.0.0.5", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
		},
	},
	"trailer-trimmed": {
		input: "Host: 10.0.0.5 () Ports: 80/open/tcp//http///\tIgnored State: (0)\n",
		want: []*ScanRecord{
			{Host: "10.0.0.5", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
		},
	},
	"unrelated-lines": {
		input: "# Nmap done at ...\nHost: 10.0.0.5 ()\tStatus: Up\n",
		want:  nil,
	},
	"empty": {
		input: "",
		want:  nil,
	},
}

func TestParseGrepable(t *testing.T) {
	for tname, cfg := range grepableTests {
		cfg.runTest(t, tname)
	}
}

func TestParseGrepableIdempotent(t *testing.T) {
	input := "Host: 10.0.0.5 () Ports: 22/open/tcp//ssh///, 80/open/tcp//http///\n"
	first := ParseGrepable(strings.NewReader(input))
	second := ParseGrepable(strings.NewReader(input))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical output on re-parse, got %+v and %+v", first, second)
	}
}

func TestWriteSummaryCSV(t *testing.T) {
	records := []*ScanRecord{
		{Host: "10.0.0.5", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
	}

	var buf bytes.Buffer
	if err := WriteSummaryCSV(&buf, records); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}

	want := "10.0.0.5,22,tcp,ssh\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

func TestWriteSummaryMarkdownEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSummaryMarkdown(&buf, nil, time.Now()); err != nil {
		t.Fatalf("failed to write markdown: %v", err)
	}
	if !strings.Contains(buf.String(), "_No open ports found._") {
		t.Errorf("expected empty-result placeholder, got %q", buf.String())
	}
}

func TestWriteSummaryMarkdownHostOrder(t *testing.T) {
	records := []*ScanRecord{
		{Host: "b.example", Port: 80, Protocol: "tcp", Service: "http", State: "open"},
		{Host: "a.example", Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
		{Host: "b.example", Port: 443, Protocol: "tcp", Service: "https", State: "open"},
	}

	var buf bytes.Buffer
	if err := WriteSummaryMarkdown(&buf, records, time.Now()); err != nil {
		t.Fatalf("failed to write markdown: %v", err)
	}

	out := buf.String()
	first := strings.Index(out, "## b.example")
	second := strings.Index(out, "## a.example")
	if first < 0 || second < 0 || first > second {
		t.Errorf("expected hosts in first-appearance order, got %q", out)
	}
}
