package cmd

import (
	"github.com/nmapai"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Inputs and stage toggles for a full run.
type ScanFlags struct {
	File    string
	Params  string
	OutDir  string
	Threads int
	NoNikto bool
	DryRun  bool

	AI          bool
	Model       string
	AIEndpoint  string
	AIMaxTokens int
	AITemp      float64
	AITopP      float64

	DursVuln   bool
	DursEnrich bool
	DursGlobal bool
	DursScript string
	DursDB     string
	DursMin    string
	DursOutput string
	DursUpdate bool
}

// overlay copies only the flags the user actually set onto the loaded
// settings, so file values survive unless overridden.
func (f *ScanFlags) overlay(cmd *cobra.Command, set *nmapai.Settings) {
	changed := cmd.Flags().Changed

	if changed("nmap") || set.Scan.Params == "" {
		set.Scan.Params = f.Params
	}
	set.DryRun = f.DryRun

	if changed("out-dir") {
		set.OutDir = f.OutDir
	}
	if changed("threads") {
		set.Probe.Workers = f.Threads
	}
	if f.NoNikto {
		set.Probe.Enabled = false
	}

	if f.AI {
		set.Analyze.Enabled = true
	}
	if changed("model") {
		set.Analyze.Model = f.Model
	}
	if changed("ai-endpoint") {
		set.Analyze.Endpoint = f.AIEndpoint
	}
	if changed("ai-max-tokens") {
		set.Analyze.MaxTokens = f.AIMaxTokens
	}
	if changed("ai-temp") {
		set.Analyze.Temperature = f.AITemp
	}
	if changed("ai-top-p") {
		set.Analyze.TopP = f.AITopP
	}

	if f.DursVuln || f.DursGlobal || f.DursScript != "" {
		set.Annotate.Enabled = true
	}
	if f.DursGlobal {
		set.Annotate.Global = true
	}
	if changed("dursvuln-script") {
		set.Annotate.Script = f.DursScript
	}
	if changed("dursvuln-db") {
		set.Annotate.Database = f.DursDB
	}
	if changed("dursvuln-min") {
		set.Annotate.MinSeverity = f.DursMin
	}
	if changed("dursvuln-output") {
		set.Annotate.Output = f.DursOutput
	}
	if f.DursUpdate {
		set.Annotate.Refresh = true
	}
	if f.DursEnrich {
		set.Annotate.Enrich = true
	}
}

func scanCommand(set **nmapai.Settings) *cobra.Command {
	var f ScanFlags

	com := &cobra.Command{
		Use:   "scan",
		Short: "Run the scan pipeline against a target list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.File == "" {
				return errors.Wrap(nmapai.ErrInput, "a target file is required")
			}

			s := *set
			f.overlay(cmd, s)

			pipe := nmapai.NewPipeline(afero.NewOsFs(), s)
			return pipe.Run(cmd.Context(), f.File)
		},
	}

	fl := com.Flags()
	fl.StringVarP(&f.File, "file", "f", "", "Target list, one host per line")
	fl.StringVarP(&f.Params, "nmap", "n", "-sV -T4", "Scanner parameter string")
	fl.StringVarP(&f.OutDir, "out-dir", "o", "", "Output directory")
	fl.IntVarP(&f.Threads, "threads", "t", 2, "Probe worker count")
	fl.BoolVarP(&f.NoNikto, "no-nikto", "K", false, "Skip follow-up web probes")
	fl.BoolVarP(&f.DryRun, "dry-run", "r", false, "Print the scanner invocation and stop")

	fl.BoolVarP(&f.AI, "ai", "a", false, "Summarize findings through the inference endpoint")
	fl.StringVarP(&f.Model, "model", "m", "gpt-4o-mini", "Inference model")
	fl.StringVar(&f.AIEndpoint, "ai-endpoint", "", "Chat-completions endpoint URL")
	fl.IntVar(&f.AIMaxTokens, "ai-max-tokens", 700, "Response token ceiling")
	fl.Float64Var(&f.AITemp, "ai-temp", 0.2, "Sampling temperature")
	fl.Float64Var(&f.AITopP, "ai-top-p", 1.0, "Nucleus sampling cutoff")

	fl.BoolVarP(&f.DursVuln, "dursvuln", "D", false, "Annotate the scan with DursVuln")
	fl.BoolVarP(&f.DursGlobal, "dursvuln-global", "G", false, "Use the globally installed script")
	fl.StringVarP(&f.DursScript, "dursvuln-script", "L", "", "Path to the annotation script")
	fl.StringVarP(&f.DursDB, "dursvuln-db", "P", "", "Path to the CVE database")
	fl.StringVarP(&f.DursMin, "dursvuln-min", "S", "", "Minimum severity to report")
	fl.StringVarP(&f.DursOutput, "dursvuln-output", "O", "concise", "Script verbosity: concise or full")
	fl.BoolVarP(&f.DursUpdate, "dursvuln-update", "U", false, "Refresh the CVE database first")
	fl.BoolVarP(&f.DursEnrich, "enrich", "E", false, "Decorate extracted CVEs with NVD and EPSS context")

	return com
}
