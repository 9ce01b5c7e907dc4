package nmapai

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Fixed artifact names inside the run directory. Probe reports get their own
// subdirectory with host_port naming, so concurrent workers never collide.
const (
	fileTargets = "targets_clean.txt"
	fileNormal  = "nmap_results.nmap"
	fileGrep    = "nmap_results.gnmap"
	fileXML     = "nmap_results.xml"
	fileCSV     = "nmap_summary.csv"
	fileJSON    = "nmap_summary.json"
	fileMD      = "nmap_summary.md"
	fileDigest  = "dursvuln_summary.md"
	fileCorpus  = "analysis_corpus.txt"
	fileReport  = "ai_analysis.md"
	fileLog     = "nmapai.log"
	fileRunDB   = "run.db"

	probeDir = "nikto"
)

// Artifacts is the run-scoped output directory. Everything a run produces
// goes through here; the filesystem is abstracted so tests stay in memory.
type Artifacts struct {
	fs  afero.Fs
	dir string
}

func NewArtifacts(fs afero.Fs, dir string) (*Artifacts, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %s", dir)
	}
	return &Artifacts{fs: fs, dir: dir}, nil
}

func (a *Artifacts) Dir() string {
	return a.dir
}

func (a *Artifacts) Path(name string) string {
	return filepath.Join(a.dir, name)
}

func (a *Artifacts) WriteFile(name string, data []byte) error {
	if err := afero.WriteFile(a.fs, a.Path(name), data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write artifact %s", name)
	}
	return nil
}

func (a *Artifacts) ReadFile(name string) ([]byte, error) {
	data, err := afero.ReadFile(a.fs, a.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact %s", name)
	}
	return data, nil
}

func (a *Artifacts) Create(name string) (afero.File, error) {
	f, err := a.fs.Create(a.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create artifact %s", name)
	}
	return f, nil
}

// OpenAppend opens an artifact for appending, creating it if needed. The run
// log uses this so restarts extend rather than truncate it.
func (a *Artifacts) OpenAppend(name string) (afero.File, error) {
	f, err := a.fs.OpenFile(a.Path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %s for append", name)
	}
	return f, nil
}

func (a *Artifacts) Open(name string) (afero.File, error) {
	f, err := a.fs.Open(a.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %s", name)
	}
	return f, nil
}

func (a *Artifacts) Exists(name string) bool {
	ok, err := afero.Exists(a.fs, a.Path(name))
	return err == nil && ok
}

// ProbeReportPath returns the per-target report location, deterministically
// named from host and port.
func (a *Artifacts) ProbeReportPath(host string, port int) (string, error) {
	dir := a.Path(probeDir)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create probe report directory")
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d.htm", host, port)), nil
}
