package nmapai

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// ConfigureLogging points the global logger at the console plus, when given,
// the run log file. Debug widens the level.
func ConfigureLogging(runLog io.Writer, debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	var w zerolog.LevelWriter
	if runLog != nil {
		w = zerolog.MultiLevelWriter(console, runLog)
	} else {
		w = zerolog.MultiLevelWriter(console)
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Pipeline runs the full sequence: sanitize targets, scan, normalize,
// probe, digest annotations, summarize. Stage outcomes split along the error
// taxonomy: input, configuration and scan failures abort, everything else
// logs and degrades.
type Pipeline struct {
	fs       afero.Fs
	settings *Settings
	clock    func() time.Time
}

func NewPipeline(fs afero.Fs, set *Settings) *Pipeline {
	return &Pipeline{fs: fs, settings: set, clock: time.Now}
}

func (p *Pipeline) outDir() string {
	if p.settings.OutDir != "" {
		return p.settings.OutDir
	}
	return "out_nmapai_" + p.clock().Format("20060102_150405")
}

func (p *Pipeline) Run(ctx context.Context, targetsFile string) error {
	art, err := NewArtifacts(p.fs, p.outDir())
	if err != nil {
		return err
	}

	if f, err := art.OpenAppend(fileLog); err != nil {
		log.Warn().Err(err).Msg("could not open the run log, logging to console only")
	} else {
		defer f.Close()
		ConfigureLogging(f, p.settings.Debug)
	}
	log.Info().Str("dir", art.Dir()).Msg("run directory ready")

	// Targets
	targets, err := ReadTargets(p.fs, targetsFile)
	if err != nil {
		return err
	}
	if err := art.WriteFile(fileTargets, []byte(strings.Join(targets, "\n")+"\n")); err != nil {
		return err
	}
	log.Info().Str("stage", "load").Int("targets", len(targets)).Msg("targets sanitized")

	// Run database
	registry := newRepositoryRegistry(art.Dir())
	run := &Run{
		Dir:         art.Dir(),
		Params:      p.settings.Scan.Params,
		TargetCount: len(targets),
	}
	if err := registry.Runs().addRun(run); err != nil {
		return err
	}

	// Annotation inputs
	var script, database string
	if p.settings.Annotate.Enabled {
		ann := NewAnnotator(p.fs, &p.settings.Annotate)
		if script, err = ann.ResolveScript(); err != nil {
			return err
		}
		if database, err = ann.ResolveDatabase(ctx); err != nil {
			if !errors.Is(err, ErrDataSource) {
				return err
			}
			log.Warn().Err(err).Msg("running annotation on the script's bundled database")
			database = ""
		}
	}

	// Primary scan
	orch := NewOrchestrator(p.settings, art, script, database)
	orch.Preflight(ctx)
	if err := orch.Run(ctx, art.Path(fileTargets)); err != nil {
		return err
	}
	if p.settings.DryRun {
		log.Info().Msg("dry-run complete")
		return nil
	}

	// Normalize
	records, err := p.normalize(art, registry, run.ID)
	if err != nil {
		return err
	}
	log.Info().Str("stage", "normalize").Int("records", len(records)).Msg("scan results normalized")

	// Follow-up probes
	if p.settings.Probe.Enabled {
		if _, err := exec.LookPath(proberBinary); err != nil {
			log.Warn().Str("stage", "probe").Msg("probe binary not found, skipping follow-up probes")
		} else {
			prober := NewProber(art, registry.Probes(), p.settings.Probe.Workers)
			if err := prober.Run(ctx, run.ID, SelectFollowUps(records)); err != nil {
				log.Warn().Err(err).Str("stage", "probe").Msg("follow-up stage failed")
			}
		}
	}

	// Annotation digest
	if p.settings.Annotate.Enabled {
		if err := p.digest(ctx, art, registry, run.ID); err != nil {
			log.Warn().Err(err).Str("stage", "annotate").Msg("failed to write annotation digest")
		}
	}

	// Summarize
	if p.settings.Analyze.Enabled {
		if err := p.analyze(ctx, art, registry, run.ID); err != nil {
			log.Warn().Err(err).Str("stage", "analyze").Msg("analysis stage failed")
		}
	}

	log.Info().Str("dir", art.Dir()).Msg("run complete")
	return nil
}

// normalize parses the grepable artifact into records, persists them and
// writes the three summary renderings.
func (p *Pipeline) normalize(art *Artifacts, registry *repositoryRegistry, runID uint) ([]*ScanRecord, error) {
	f, err := art.Open(fileGrep)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records := ParseGrepable(f)
	for _, rec := range records {
		rec.RunID = runID
	}
	if err := registry.Records().saveRecords(records); err != nil {
		return nil, err
	}

	write := func(name string, fn func(afero.File) error) error {
		out, err := art.Create(name)
		if err != nil {
			return err
		}
		defer out.Close()
		return fn(out)
	}

	if err := write(fileCSV, func(out afero.File) error {
		return WriteSummaryCSV(out, records)
	}); err != nil {
		return nil, err
	}
	if err := write(fileJSON, func(out afero.File) error {
		return WriteSummaryJSON(out, records)
	}); err != nil {
		return nil, err
	}
	if err := write(fileMD, func(out afero.File) error {
		return WriteSummaryMarkdown(out, records, p.clock())
	}); err != nil {
		return nil, err
	}
	return records, nil
}

// digest extracts annotation blocks from the normal output and renders the
// per-host digest with each host's open ports for context, followed by the
// CVE enrichment table when enrichment is on.
func (p *Pipeline) digest(ctx context.Context, art *Artifacts, registry *repositoryRegistry, runID uint) error {
	f, err := art.Open(fileNormal)
	if err != nil {
		return err
	}
	defer f.Close()

	blocks := ExtractAnnotations(f)
	log.Info().Str("stage", "annotate").Int("blocks", len(blocks)).Msg("annotation blocks extracted")

	out, err := art.Create(fileDigest)
	if err != nil {
		return err
	}
	defer out.Close()

	lookup := func(host string) ([]*ScanRecord, error) {
		return registry.Records().hostRecords(runID, host)
	}
	if err := WriteAnnotationDigest(out, blocks, lookup, p.clock()); err != nil {
		return err
	}

	if !p.settings.Annotate.Enrich {
		return nil
	}
	cves := ExtractCVEs(blocks)
	if len(cves) == 0 {
		return nil
	}
	log.Info().Str("stage", "enrich").Int("cves", len(cves)).Msg("enriching extracted CVEs")

	rows := NewEnricher(p.settings.Annotate.NVDAPIKey).Enrich(ctx, cves)
	for _, row := range rows {
		row.RunID = runID
	}
	if err := registry.Enrichments().addEnrichments(rows); err != nil {
		log.Warn().Err(err).Str("stage", "enrich").Msg("failed to record enrichment rows")
	}
	return WriteEnrichmentTable(out, rows)
}

// analyze assembles the corpus from the normal output and the digest, then
// drives it through the inference endpoint.
func (p *Pipeline) analyze(ctx context.Context, art *Artifacts, registry *repositoryRegistry, runID uint) error {
	if p.settings.Analyze.APIKey == "" {
		log.Warn().Str("stage", "analyze").Msg("no API key in the environment, skipping analysis")
		return nil
	}

	var b strings.Builder
	b.WriteString("=== NMAP (.nmap) ===\n")
	if data, err := art.ReadFile(fileNormal); err == nil {
		b.Write(data)
	}
	if art.Exists(fileDigest) {
		b.WriteString("\n=== DURSVULN SUMMARY ===\n")
		if data, err := art.ReadFile(fileDigest); err == nil {
			b.Write(data)
		}
	}
	corpus := b.String()
	if err := art.WriteFile(fileCorpus, []byte(corpus)); err != nil {
		return err
	}

	out, err := art.Create(fileReport)
	if err != nil {
		return err
	}
	defer out.Close()

	client := NewInferenceClient(&p.settings.Analyze)
	summarizer := NewSummarizer(&p.settings.Analyze, client, registry.Analyses())
	return summarizer.Run(ctx, runID, corpus, out)
}
