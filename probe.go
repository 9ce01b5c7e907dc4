package nmapai

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const proberBinary = "nikto"

// Ports worth a web follow-up, and the subset that implies TLS.
var (
	webPorts = map[int]struct{}{
		80: {}, 443: {}, 8080: {}, 8000: {}, 8001: {}, 8888: {}, 8443: {}, 5000: {},
	}
	tlsPorts = map[int]struct{}{443: {}, 8443: {}}
)

// FollowUpTarget is one service elected for a deeper web probe.
type FollowUpTarget struct {
	Host   string
	Port   int
	Scheme string
}

func (t FollowUpTarget) URL() string {
	return fmt.Sprintf("%s://%s:%d", t.Scheme, t.Host, t.Port)
}

// SelectFollowUps picks the open records that look like web services: either
// the port is a known web port or the service name says http. Order follows
// the records.
func SelectFollowUps(records []*ScanRecord) []FollowUpTarget {
	var targets []FollowUpTarget
	for _, rec := range records {
		if rec.State != "open" || !webService(rec) {
			continue
		}
		targets = append(targets, FollowUpTarget{
			Host:   rec.Host,
			Port:   rec.Port,
			Scheme: schemeFor(rec),
		})
	}
	return targets
}

func webService(rec *ScanRecord) bool {
	if _, ok := webPorts[rec.Port]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(rec.Service), "http")
}

// schemeFor picks https for TLS ports and for services that advertise
// https, ssl or tls; everything else is plain http.
func schemeFor(rec *ScanRecord) string {
	if _, ok := tlsPorts[rec.Port]; ok {
		return "https"
	}
	svc := strings.ToLower(rec.Service)
	for _, hint := range []string{"https", "ssl", "tls"} {
		if strings.Contains(svc, hint) {
			return "https"
		}
	}
	return "http"
}

// Prober fans probe invocations out over a bounded worker set. One failed
// probe never touches its siblings; every outcome becomes a ProbeReport row.
type Prober struct {
	art     *Artifacts
	probes  *probeRepo
	workers int
}

func NewProber(art *Artifacts, probes *probeRepo, workers int) *Prober {
	if workers < 1 {
		workers = 1
	}
	return &Prober{art: art, probes: probes, workers: workers}
}

// Run probes every target and waits for the pool to drain. An empty target
// set is a logged no-op.
func (p *Prober) Run(ctx context.Context, runID uint, targets []FollowUpTarget) error {
	if len(targets) == 0 {
		log.Info().Str("stage", "probe").Msg("no web services found, skipping follow-up probes")
		return nil
	}

	log.Info().Str("stage", "probe").
		Int("targets", len(targets)).
		Int("workers", p.workers).
		Msg("dispatching follow-up probes")

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)
	for _, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(t FollowUpTarget) {
			defer wg.Done()
			defer func() { <-sem }()
			p.probe(ctx, runID, t)
		}(t)
	}
	wg.Wait()

	log.Info().Str("stage", "probe").Msg("follow-up probes complete")
	return nil
}

func (p *Prober) probe(ctx context.Context, runID uint, t FollowUpTarget) {
	rep := &ProbeReport{
		RunID:  runID,
		Host:   t.Host,
		Port:   t.Port,
		Scheme: t.Scheme,
	}

	out, err := p.art.ProbeReportPath(t.Host, t.Port)
	if err == nil {
		rep.Path = out
		err = p.invoke(ctx, t, out)
	}

	if err != nil {
		err = errors.Wrapf(ErrProbe, "%s: %v", t.URL(), err)
		rep.Failed = true
		rep.Error = err.Error()
		log.Warn().Err(err).Str("stage", "probe").Msg("probe failed")
	} else {
		log.Info().Str("stage", "probe").Str("target", t.URL()).Str("report", out).Msg("probe complete")
	}

	if err := p.probes.addReport(rep); err != nil {
		log.Warn().Err(err).Str("stage", "probe").Msg("failed to record probe outcome")
	}
}

func (p *Prober) invoke(ctx context.Context, t FollowUpTarget, out string) error {
	cmd := exec.CommandContext(ctx, proberBinary,
		"-h", t.URL(),
		"-o", out,
		"-Format", "htm",
	)
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}
