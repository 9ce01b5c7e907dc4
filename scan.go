package nmapai

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const scannerBinary = "nmap"

// Annotation needs script-args plumbing that older scanners mishandle.
const (
	minScannerMajor = 7
	minScannerMinor = 80
)

var (
	progressRe = regexp.MustCompile(`About\s+([0-9]+(?:\.[0-9]+)?)%\s+done`)
	etcRe      = regexp.MustCompile(`ETC:\s*([^\r\n]+)`)
	versionRe  = regexp.MustCompile(`Nmap version (\d+)\.(\d+)`)
)

// Orchestrator builds and runs the primary scan invocation: one subprocess,
// three output encodings. It monitors liveness and progress from the
// scanner's chatter but never parses results inline; downstream stages read
// the artifacts.
type Orchestrator struct {
	settings *Settings
	art      *Artifacts

	// resolved annotation inputs, empty when annotation is off
	script   string
	database string
}

func NewOrchestrator(set *Settings, art *Artifacts, script, database string) *Orchestrator {
	return &Orchestrator{
		settings: set,
		art:      art,
		script:   script,
		database: database,
	}
}

// BuildArgs assembles the scanner argv: target list, the caller's
// parameters, the three output encodings, and the annotation script with its
// composite script-args value when enabled.
func (o *Orchestrator) BuildArgs(targetsFile string) ([]string, error) {
	args := []string{"-iL", targetsFile}

	params, err := SplitParams(o.settings.Scan.Params)
	if err != nil {
		return nil, err
	}
	args = append(args, params...)

	args = append(args,
		"--stats-every", "2s",
		"-oN", o.art.Path(fileNormal),
		"-oG", o.art.Path(fileGrep),
		"-oX", o.art.Path(fileXML),
		"-v",
	)

	if o.settings.Annotate.Enabled {
		args = append(args, "--script", o.script)

		var sa []string
		if o.database != "" {
			sa = append(sa, "db_path="+o.database)
		}
		if min := o.settings.Annotate.MinSeverity; min != "" {
			sa = append(sa, "min_severity="+min)
		}
		if out := o.settings.Annotate.Output; out != "" {
			sa = append(sa, "dursvuln.output="+out)
		}
		if len(sa) > 0 {
			args = append(args, "--script-args", strings.Join(sa, ","))
		}
	}
	return args, nil
}

// Preflight compares the scanner's reported version against the minimum the
// annotation script wants. Older is a warning, never fatal.
func (o *Orchestrator) Preflight(ctx context.Context) {
	if !o.settings.Annotate.Enabled {
		return
	}

	major, minor, err := scannerVersion(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not determine scanner version")
		return
	}
	if major < minScannerMajor || (major == minScannerMajor && minor < minScannerMinor) {
		log.Warn().
			Str("found", strconv.Itoa(major)+"."+strconv.Itoa(minor)).
			Str("want", strconv.Itoa(minScannerMajor)+"."+strconv.Itoa(minScannerMinor)).
			Msg("scanner older than the annotation script expects")
	}
}

func scannerVersion(ctx context.Context) (int, int, error) {
	out, err := exec.CommandContext(ctx, scannerBinary, "--version").Output()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to run scanner version check")
	}

	m := versionRe.FindSubmatch(out)
	if m == nil {
		return 0, 0, errors.New("unrecognized scanner version output")
	}
	major, _ := strconv.Atoi(string(m[1]))
	minor, _ := strconv.Atoi(string(m[2]))
	return major, minor, nil
}

// Run executes the scan as a monitored subprocess. Every output line lands
// in the run log; progress lines are surfaced as they arrive. A non-zero
// exit is ErrScan: every downstream stage depends on the three artifacts, so
// there is no partial-result continuation.
func (o *Orchestrator) Run(ctx context.Context, targetsFile string) error {
	args, err := o.BuildArgs(targetsFile)
	if err != nil {
		return err
	}

	argv := scannerBinary + " " + strings.Join(args, " ")
	log.Info().Str("stage", "scan").Str("argv", argv).Msg("scanner invocation")

	if o.settings.DryRun {
		log.Info().Str("stage", "scan").Msg("dry-run: skipping scanner execution")
		return nil
	}

	cmd := exec.CommandContext(ctx, scannerBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach scanner stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach scanner stderr")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(ErrScan, "failed to start scanner: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.monitor(stdout)
	}()
	go func() {
		defer wg.Done()
		o.monitor(stderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			return errors.Wrapf(ErrScan, "scanner exited with code %d", exit.ExitCode())
		}
		return errors.Wrapf(ErrScan, "scanner failed: %v", err)
	}

	log.Info().Str("stage", "scan").Msg("primary scan complete")
	return nil
}

// monitor relays scanner output into the log and renders progress. Only
// whole-percent changes are surfaced to keep the log readable.
func (o *Orchestrator) monitor(r io.Reader) {
	lastPct := -1

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		log.Debug().Str("stage", "scan").Msg(line)

		if m := progressRe.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err == nil && int(pct) != lastPct {
				lastPct = int(pct)
				ev := log.Info().Str("stage", "scan").Int("percent", lastPct)
				if e := etcRe.FindStringSubmatch(line); e != nil {
					ev = ev.Str("etc", strings.TrimSpace(e[1]))
				}
				ev.Msg("scan progress")
			}
		}
	}
}
