package nmapai

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type extractTester struct {
	input string
	want  []AnnotationBlock
}

func (et *extractTester) runTest(test *testing.T, name string) {
	got := ExtractAnnotations(strings.NewReader(et.input))
	if !reflect.DeepEqual(got, et.want) {
		test.Errorf("[%s] expected %+v, got %+v", name, et.want, got)
	}
}

var extractTests = map[string]*extractTester{
	"single-block": {
		input: "Nmap scan report for 10.0.0.5\n" +
			"| dursvuln:\n" +
			"|   CVE-2021-41617 (HIGH)\n" +
			"|   CVE-2016-20012 (MEDIUM)\n" +
			"\n" +
			"22/tcp open ssh\n",
		want: []AnnotationBlock{
			{Host: "10.0.0.5", Lines: []string{
				"| dursvuln:",
				"|   CVE-2021-41617 (HIGH)",
				"|   CVE-2016-20012 (MEDIUM)",
			}},
		},
	},
	"blank-line-closes": {
		input: "Nmap scan report for h1\n" +
			"DursVuln: found something\n" +
			"  detail line\n" +
			"\n" +
			"  this indented line is outside the block\n",
		want: []AnnotationBlock{
			{Host: "h1", Lines: []string{
				"DursVuln: found something",
				"  detail line",
			}},
		},
	},
	"host-report-closes-and-reattributes": {
		input: "Nmap scan report for h1\n" +
			"dursvuln hit on h1\n" +
			"Nmap scan report for h2\n" +
			"dursvuln hit on h2\n",
		want: []AnnotationBlock{
			{Host: "h1", Lines: []string{"dursvuln hit on h1"}},
			{Host: "h2", Lines: []string{"dursvuln hit on h2"}},
		},
	},
	"marker-reopens": {
		input: "Nmap scan report for h1\n" +
			"dursvuln block one\n" +
			"dursvuln block two\n" +
			"  tail of two\n",
		want: []AnnotationBlock{
			{Host: "h1", Lines: []string{"dursvuln block one"}},
			{Host: "h1", Lines: []string{"dursvuln block two", "  tail of two"}},
		},
	},
	"marker-before-any-host": {
		input: "dursvuln orphan line\n",
		want: []AnnotationBlock{
			{Host: "", Lines: []string{"dursvuln orphan line"}},
		},
	},
	"case-insensitive-marker": {
		input: "Nmap scan report for h1\nDURSVULN shouting\n",
		want: []AnnotationBlock{
			{Host: "h1", Lines: []string{"DURSVULN shouting"}},
		},
	},
	"no-markers": {
		input: "Nmap scan report for h1\n22/tcp open ssh\n",
		want:  nil,
	},
	"eof-closes": {
		input: "Nmap scan report for h1\ndursvuln trailing\n  last detail",
		want: []AnnotationBlock{
			{Host: "h1", Lines: []string{"dursvuln trailing", "  last detail"}},
		},
	},
}

func TestExtractAnnotations(t *testing.T) {
	for tname, cfg := range extractTests {
		cfg.runTest(t, tname)
	}
}

func TestWriteAnnotationDigestEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAnnotationDigest(&buf, nil, nil, time.Now()); err != nil {
		t.Fatalf("failed to write digest: %v", err)
	}
	if !strings.Contains(buf.String(), "_No DursVuln findings in this run._") {
		t.Errorf("expected empty placeholder, got %q", buf.String())
	}
}

func TestWriteAnnotationDigest(t *testing.T) {
	blocks := []AnnotationBlock{
		{Host: "10.0.0.5", Lines: []string{"| dursvuln:", "|   CVE-2021-41617 (HIGH)"}},
	}
	lookup := func(host string) ([]*ScanRecord, error) {
		return []*ScanRecord{
			{Host: host, Port: 22, Protocol: "tcp", Service: "ssh", State: "open"},
		}, nil
	}

	var buf bytes.Buffer
	if err := WriteAnnotationDigest(&buf, blocks, lookup, time.Now()); err != nil {
		t.Fatalf("failed to write digest: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"## 10.0.0.5", "| 22 | tcp | ssh |", "CVE-2021-41617"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected digest to contain %q, got %q", want, out)
		}
	}
}

func TestResolveScript(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "dursvuln/dursvuln.nse", []byte("-- script"), 0o644); err != nil {
		t.Fatalf("failed to seed script: %v", err)
	}

	ann := NewAnnotator(fs, &AnnotateSettings{Enabled: true})
	got, err := ann.ResolveScript()
	if err != nil {
		t.Fatalf("failed to resolve script: %v", err)
	}
	if got != "dursvuln/dursvuln.nse" {
		t.Errorf("expected probed path, got %q", got)
	}
}

func TestResolveScriptGlobal(t *testing.T) {
	ann := NewAnnotator(afero.NewMemMapFs(), &AnnotateSettings{Enabled: true, Global: true})
	got, err := ann.ResolveScript()
	if err != nil {
		t.Fatalf("failed to resolve script: %v", err)
	}
	if got != "dursvuln" {
		t.Errorf("expected global name, got %q", got)
	}
}

func TestResolveScriptMissing(t *testing.T) {
	ann := NewAnnotator(afero.NewMemMapFs(), &AnnotateSettings{Enabled: true})
	if _, err := ann.ResolveScript(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected %v, got %v", ErrConfig, err)
	}

	ann = NewAnnotator(afero.NewMemMapFs(), &AnnotateSettings{Enabled: true, Script: "nope.nse"})
	if _, err := ann.ResolveScript(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected %v for missing explicit path, got %v", ErrConfig, err)
	}
}

func TestResolveDatabaseExplicit(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "db.json", []byte("{}"), 0o644); err != nil {
		t.Fatalf("failed to seed database: %v", err)
	}

	ann := NewAnnotator(fs, &AnnotateSettings{Enabled: true, Database: "db.json"})
	got, err := ann.ResolveDatabase(context.Background())
	if err != nil {
		t.Fatalf("failed to resolve database: %v", err)
	}
	if got != "db.json" {
		t.Errorf("expected explicit path, got %q", got)
	}

	ann = NewAnnotator(afero.NewMemMapFs(), &AnnotateSettings{Enabled: true, Database: "nope.json"})
	if _, err := ann.ResolveDatabase(context.Background()); !errors.Is(err, ErrDataSource) {
		t.Errorf("expected %v for missing explicit path, got %v", ErrDataSource, err)
	}
}

func TestResolveDatabaseProbed(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "dursvuln-db/cve-main.json", []byte("{}"), 0o644); err != nil {
		t.Fatalf("failed to seed database: %v", err)
	}

	ann := NewAnnotator(fs, &AnnotateSettings{Enabled: true})
	got, err := ann.ResolveDatabase(context.Background())
	if err != nil {
		t.Fatalf("failed to resolve database: %v", err)
	}
	if got != "dursvuln-db/cve-main.json" {
		t.Errorf("expected probed path, got %q", got)
	}
}
