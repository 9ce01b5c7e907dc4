package nmapai

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Default locations probed when the annotation script or database is not
// given explicitly. Relative entries are resolved against the working
// directory, the same places the scanner's script ecosystem uses.
var (
	scriptProbePaths = []string{
		"dursvuln.nse",
		"dursvuln/dursvuln.nse",
		"/usr/share/nmap/scripts/dursvuln.nse",
		"/usr/share/nmap/scripts/dursvuln/dursvuln.nse",
	}
	databaseProbePaths = []string{
		"cve-main.json",
		"dursvuln-db/cve-main.json",
	}
)

// Known remote copy of the annotation database, used by the refresh path.
const databaseURL = "https://raw.githubusercontent.com/roomkangali/DursVuln-Database/main/cve-main.json"

type ScanSettings struct {
	// Free-form scanner parameter string, e.g. "-sV -T4 --top-ports 200"
	Params string `yaml:"params"`
}

type AnnotateSettings struct {
	Enabled bool `yaml:"enabled"`
	// Use the globally registered script name instead of a local path
	Global bool `yaml:"global"`
	// Path to a local copy of the script
	Script string `yaml:"script"`
	// Path to the CVE database file
	Database string `yaml:"database"`
	// Minimum severity the script should report: LOW, MEDIUM, HIGH, CRITICAL
	MinSeverity string `yaml:"min_severity"`
	// Script verbosity: concise or full
	Output string `yaml:"output"`
	// Refresh the database before scanning
	Refresh bool `yaml:"refresh"`
	// Decorate extracted CVEs with NVD and EPSS context
	Enrich bool `yaml:"enrich"`
	// NVD API credential. Never read from the file, only from the environment.
	NVDAPIKey string `yaml:"-"`
}

type ProbeSettings struct {
	Enabled bool `yaml:"enabled"`
	// Bounded worker count for the probe fan-out
	Workers int `yaml:"workers"`
}

type AnalyzeSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
	// Bearer credential. Never read from the file, only from the environment.
	APIKey      string  `yaml:"-"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	// Corpus partition size in bytes
	ChunkSize int `yaml:"chunk_size"`
	// Attempts per chunk before it is recorded as failed
	Attempts int `yaml:"attempts"`
	// Initial backoff between attempts; doubles each retry
	Backoff time.Duration `yaml:"backoff"`
	// Per-request timeout; a timeout counts as a failed attempt
	Timeout time.Duration `yaml:"timeout"`
	// Request issuance ceiling, per minute
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Settings is the single configuration value for a run. It is built once at
// startup from defaults, the optional YAML file, the environment and the
// command line, and never mutated afterwards.
type Settings struct {
	// Run-scoped output directory. Empty means out_nmapai_<timestamp>.
	OutDir string `yaml:"out_dir"`
	DryRun bool   `yaml:"-"`
	Debug  bool   `yaml:"-"`

	Scan     ScanSettings     `yaml:"scan"`
	Annotate AnnotateSettings `yaml:"annotate"`
	Probe    ProbeSettings    `yaml:"probe"`
	Analyze  AnalyzeSettings  `yaml:"analyze"`
}

func DefaultSettings() *Settings {
	return &Settings{
		Probe: ProbeSettings{
			Enabled: true,
			Workers: 2,
		},
		Annotate: AnnotateSettings{
			Output: "concise",
		},
		Analyze: AnalyzeSettings{
			Model:             "gpt-4o-mini",
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			MaxTokens:         700,
			Temperature:       0.2,
			TopP:              1.0,
			ChunkSize:         14000,
			Attempts:          4,
			Backoff:           2 * time.Second,
			Timeout:           90 * time.Second,
			RequestsPerMinute: 20,
		},
	}
}

func bind(val, env, def string) string {
	if val != "" {
		return val
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// LoadSettings builds the run configuration: defaults, then the YAML file if
// one is given, then the inference environment bindings.
func LoadSettings(fs afero.Fs, fpath string) (*Settings, error) {
	set := DefaultSettings()

	if fpath != "" {
		data, err := afero.ReadFile(fs, fpath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read settings file %s", fpath)
		}
		if err := yaml.Unmarshal(data, set); err != nil {
			return nil, errors.Wrapf(err, "failed to parse settings file %s", fpath)
		}
	}

	set.Analyze.APIKey = os.Getenv("OPENAI_API_KEY")
	set.Annotate.NVDAPIKey = os.Getenv("NVD_API_KEY")
	set.Analyze.Model = bind("", "OPENAI_MODEL", set.Analyze.Model)
	set.Analyze.Endpoint = bind("", "OPENAI_ENDPOINT", set.Analyze.Endpoint)

	if set.Probe.Workers < 1 {
		set.Probe.Workers = 1
	}
	return set, nil
}
