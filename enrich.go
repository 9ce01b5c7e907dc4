package nmapai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	nvdEndpoint  = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	epssEndpoint = "https://api.first.org/data/v1/epss"

	// the EPSS API accepts comma-separated CVE lists
	epssBatchSize = 30
)

var cveRe = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)

// ExtractCVEs pulls the CVE identifiers out of the annotation blocks,
// uppercased and deduplicated in first-appearance order.
func ExtractCVEs(blocks []AnnotationBlock) []string {
	var cves []string
	seen := make(map[string]struct{})

	for _, blk := range blocks {
		for _, line := range blk.Lines {
			for _, m := range cveRe.FindAllString(line, -1) {
				id := strings.ToUpper(m)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				cves = append(cves, id)
			}
		}
	}
	return cves
}

// Enricher decorates extracted CVEs with NVD scoring and EPSS exploit
// probabilities. Both sources degrade independently: a row missing one
// source still carries the other.
type Enricher struct {
	client *http.Client
	apiKey string

	nvdURL  string
	epssURL string

	// NVD allows ~10 req/s with a key and punishes unkeyed bursts
	limiter *rate.Limiter
	cache   *expirable.LRU[string, *Enrichment]
}

func NewEnricher(apiKey string) *Enricher {
	interval := 600 * time.Millisecond
	if apiKey != "" {
		interval = 100 * time.Millisecond
	}
	return &Enricher{
		client:  &http.Client{Timeout: 30 * time.Second},
		apiKey:  apiKey,
		nvdURL:  nvdEndpoint,
		epssURL: epssEndpoint,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		cache:   expirable.NewLRU[string, *Enrichment](512, nil, time.Hour),
	}
}

// Enrich resolves context for every CVE, in the order given. Source
// failures log and leave the affected fields zeroed, never abort the pass.
func (e *Enricher) Enrich(ctx context.Context, cves []string) []*Enrichment {
	if len(cves) == 0 {
		return nil
	}

	rows := make([]*Enrichment, 0, len(cves))
	byID := make(map[string]*Enrichment, len(cves))
	for _, id := range cves {
		row := &Enrichment{CVE: id}
		rows = append(rows, row)
		byID[id] = row
	}

	e.fetchEPSS(ctx, cves, byID)

	for _, row := range rows {
		if cached, ok := e.cache.Get(row.CVE); ok {
			row.CVSSScore = cached.CVSSScore
			row.Severity = cached.Severity
			row.Description = cached.Description
			continue
		}
		if err := e.fetchNVD(ctx, row); err != nil {
			log.Warn().Err(err).Str("cve", row.CVE).Msg("NVD lookup failed")
			continue
		}
		e.cache.Add(row.CVE, row)
	}
	return rows
}

type epssResponse struct {
	Data []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
	} `json:"data"`
}

func (e *Enricher) fetchEPSS(ctx context.Context, cves []string, byID map[string]*Enrichment) {
	for i := 0; i < len(cves); i += epssBatchSize {
		end := i + epssBatchSize
		if end > len(cves) {
			end = len(cves)
		}

		var parsed epssResponse
		query := url.Values{"cve": {strings.Join(cves[i:end], ",")}}
		if err := e.getJSON(ctx, e.epssURL+"?"+query.Encode(), nil, &parsed); err != nil {
			log.Warn().Err(err).Msg("EPSS lookup failed")
			continue
		}

		for _, score := range parsed.Data {
			row, ok := byID[strings.ToUpper(score.CVE)]
			if !ok {
				continue
			}
			row.EPSSScore, _ = strconv.ParseFloat(score.EPSS, 64)
			row.EPSSPercentile, _ = strconv.ParseFloat(score.Percentile, 64)
		}
	}
}

type cvssMetric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics struct {
				V31 []cvssMetric `json:"cvssMetricV31"`
				V30 []cvssMetric `json:"cvssMetricV30"`
				V2  []cvssMetric `json:"cvssMetricV2"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

func (e *Enricher) fetchNVD(ctx context.Context, row *Enrichment) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "limiter interrupted")
	}

	var headers map[string]string
	if e.apiKey != "" {
		headers = map[string]string{"apiKey": e.apiKey}
	}

	var parsed nvdResponse
	query := url.Values{"cveId": {row.CVE}}
	if err := e.getJSON(ctx, e.nvdURL+"?"+query.Encode(), headers, &parsed); err != nil {
		return err
	}
	if len(parsed.Vulnerabilities) == 0 {
		return errors.Errorf("no NVD entry for %s", row.CVE)
	}

	cve := parsed.Vulnerabilities[0].CVE
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			row.Description = d.Value
			break
		}
	}

	// newest CVSS edition available wins
	for _, metrics := range [][]cvssMetric{cve.Metrics.V31, cve.Metrics.V30, cve.Metrics.V2} {
		if len(metrics) > 0 {
			row.CVSSScore = metrics[0].CVSSData.BaseScore
			row.Severity = metrics[0].CVSSData.BaseSeverity
			break
		}
	}
	return nil
}

func (e *Enricher) getJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	return errors.Wrap(json.Unmarshal(body, out), "malformed response")
}

// WriteEnrichmentTable appends the CVE context table to the digest. Nothing
// is written when there are no rows.
func WriteEnrichmentTable(w io.Writer, rows []*Enrichment) error {
	if len(rows) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("## CVE Enrichment\n\n")
	b.WriteString("| CVE | CVSS | Severity | EPSS | Percentile |\n|-----|------|----------|------|------------|\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			row.CVE,
			formatScore(row.CVSSScore),
			orDash(row.Severity),
			formatScore(row.EPSSScore),
			formatScore(row.EPSSPercentile),
		)
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return errors.Wrap(err, "failed to write enrichment table")
}

func formatScore(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
