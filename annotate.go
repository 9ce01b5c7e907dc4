package nmapai

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Globally installed scripts are referenced by name, not path.
const globalScriptName = "dursvuln"

// Binary the database project ships for refreshing local copies.
const updaterBinary = "dursvuln-update"

const hostReportPrefix = "Nmap scan report for "

var markerRe = regexp.MustCompile(`(?i)dursvuln`)

// Annotator resolves the annotation script and database and pulls annotation
// blocks back out of the human-readable scan output.
type Annotator struct {
	fs       afero.Fs
	settings *AnnotateSettings
}

func NewAnnotator(fs afero.Fs, set *AnnotateSettings) *Annotator {
	return &Annotator{fs: fs, settings: set}
}

// ResolveScript finds the annotation script: an explicit path wins, then the
// global registration, then the usual install locations. Annotation without
// a script is a configuration error, not something to degrade around.
func (a *Annotator) ResolveScript() (string, error) {
	if s := a.settings.Script; s != "" {
		if ok, _ := afero.Exists(a.fs, s); !ok {
			return "", errors.Wrapf(ErrConfig, "annotation script not found at %s", s)
		}
		return s, nil
	}

	if a.settings.Global {
		return globalScriptName, nil
	}

	for _, p := range scriptProbePaths {
		if ok, _ := afero.Exists(a.fs, p); ok {
			return p, nil
		}
	}
	return "", errors.Wrap(ErrConfig, "no annotation script found; install it or pass a path")
}

// ResolveDatabase finds the CVE database. An explicit path must exist; with
// no explicit path the usual locations are probed, and a missing or stale
// copy triggers a refresh. ErrDataSource means no copy could be obtained at
// all; callers may still run the script on its bundled defaults.
func (a *Annotator) ResolveDatabase(ctx context.Context) (string, error) {
	if d := a.settings.Database; d != "" {
		if ok, _ := afero.Exists(a.fs, d); !ok {
			return "", errors.Wrapf(ErrDataSource, "annotation database not found at %s", d)
		}
		return d, nil
	}

	if a.settings.Refresh {
		if err := a.refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("database refresh failed, falling back to local copies")
		}
	}

	if p := a.probeDatabase(); p != "" {
		return p, nil
	}

	// Nothing local: one download attempt before giving up.
	if !a.settings.Refresh {
		if err := a.refresh(ctx); err != nil {
			return "", errors.Wrapf(ErrDataSource, "no local database and refresh failed: %v", err)
		}
		if p := a.probeDatabase(); p != "" {
			return p, nil
		}
	}
	return "", errors.Wrap(ErrDataSource, "annotation database unavailable")
}

func (a *Annotator) probeDatabase() string {
	for _, p := range databaseProbePaths {
		if ok, _ := afero.Exists(a.fs, p); ok {
			return p
		}
	}
	return ""
}

// refresh updates the local database, preferring the project's own updater
// and falling back to a direct download of the published copy.
func (a *Annotator) refresh(ctx context.Context) error {
	if path, err := exec.LookPath(updaterBinary); err == nil {
		log.Info().Str("updater", path).Msg("refreshing annotation database")
		if err := exec.CommandContext(ctx, path).Run(); err == nil {
			return nil
		}
		log.Warn().Msg("updater exited with an error, trying direct download")
	}
	return a.download(ctx, databaseProbePaths[len(databaseProbePaths)-1])
}

func (a *Annotator) download(ctx context.Context, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, databaseURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build database request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to download database")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("database download returned %s", resp.Status)
	}

	if dir := filepath.Dir(dest); dir != "." {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	f, err := a.fs.Create(dest)
	if err != nil {
		return errors.Wrap(err, "failed to create database file")
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return errors.Wrap(err, "failed to write database file")
	}
	log.Info().Str("path", dest).Msg("annotation database downloaded")
	return nil
}

// AnnotationBlock is one script finding, attributed to the host whose report
// section it appeared under.
type AnnotationBlock struct {
	Host  string
	Lines []string
}

// ExtractAnnotations walks the human-readable scan output and pulls out the
// annotation blocks. A block opens on a marker line and stays open across
// indented or table ("|") continuation lines; a blank line, an unrelated
// line, or a new host report closes it. The heuristic can truncate blocks
// with unindented continuations, which is acceptable for a digest.
func ExtractAnnotations(r io.Reader) []AnnotationBlock {
	var (
		blocks  []AnnotationBlock
		current *AnnotationBlock
		host    string
	)

	flush := func() {
		if current != nil {
			blocks = append(blocks, *current)
			current = nil
		}
	}
	start := func(line string) {
		current = &AnnotationBlock{Host: host, Lines: []string{line}}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()

		if strings.HasPrefix(line, hostReportPrefix) {
			flush()
			host = strings.TrimSpace(line[len(hostReportPrefix):])
			continue
		}

		if current != nil {
			switch {
			case continuation(line):
				current.Lines = append(current.Lines, line)
			case markerRe.MatchString(line):
				flush()
				start(line)
			default:
				flush()
			}
			continue
		}

		if markerRe.MatchString(line) {
			start(line)
		}
	}
	flush()
	return blocks
}

func continuation(line string) bool {
	if line == "" {
		return false
	}
	if line[0] == ' ' || line[0] == '\t' {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(line), "|")
}

// WriteAnnotationDigest renders the extracted blocks as a per-host digest.
// hostPorts supplies each host's open ports for context; a nil lookup or a
// lookup error just drops the table.
func WriteAnnotationDigest(w io.Writer, blocks []AnnotationBlock, hostPorts func(host string) ([]*ScanRecord, error), now time.Time) error {
	var b strings.Builder
	b.WriteString("# DursVuln Summary\n\n")
	fmt.Fprintf(&b, "- Generated: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Source: `%s`\n\n", fileNormal)

	if len(blocks) == 0 {
		b.WriteString("_No DursVuln findings in this run._\n")
		_, err := io.WriteString(w, b.String())
		return errors.Wrap(err, "failed to write annotation digest")
	}

	var hosts []string
	byHost := make(map[string][]AnnotationBlock)
	for _, blk := range blocks {
		h := blk.Host
		if h == "" {
			h = "(unattributed)"
		}
		if _, ok := byHost[h]; !ok {
			hosts = append(hosts, h)
		}
		byHost[h] = append(byHost[h], blk)
	}

	for _, h := range hosts {
		fmt.Fprintf(&b, "## %s\n\n", h)

		if hostPorts != nil && h != "(unattributed)" {
			if records, err := hostPorts(h); err == nil && len(records) > 0 {
				b.WriteString("| Port | Proto | Service |\n|------|-------|---------|\n")
				for _, rec := range records {
					fmt.Fprintf(&b, "| %d | %s | %s |\n", rec.Port, rec.Protocol, rec.Service)
				}
				b.WriteString("\n")
			}
		}

		for _, blk := range byHost[h] {
			b.WriteString("```\n")
			for _, line := range blk.Lines {
				b.WriteString(line)
				b.WriteByte('\n')
			}
			b.WriteString("```\n\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return errors.Wrap(err, "failed to write annotation digest")
}
