package nmapai

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type recordKey struct {
	host     string
	port     int
	protocol string
}

// ParseGrepable turns the grepable scan artifact into normalized open-port
// records. Entries that are not open are filtered, a missing service name
// defaults to "-", and duplicates collapse keeping first appearance.
// Malformed lines are skipped and logged, never fatal; a scan with no open
// ports is a valid empty result.
func ParseGrepable(r io.Reader) []*ScanRecord {
	var records []*ScanRecord
	seen := make(map[recordKey]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "Host: ") || !strings.Contains(line, "Ports: ") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		host := fields[1]

		_, after, ok := strings.Cut(line, "Ports: ")
		if !ok {
			continue
		}

		for _, seg := range strings.Split(after, ",") {
			// the last segment may carry a tab-separated trailer
			if i := strings.IndexByte(seg, '\t'); i >= 0 {
				seg = seg[:i]
			}
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}

			rec, err := parsePortEntry(host, seg)
			if err != nil {
				log.Debug().Str("host", host).Str("entry", seg).Msg("skipping malformed port entry")
				continue
			}
			if rec == nil {
				continue // not open
			}

			key := recordKey{rec.Host, rec.Port, rec.Protocol}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			records = append(records, rec)
		}
	}
	return records
}

// A port entry looks like 80/open/tcp//http///. Returns nil for entries in
// any state other than open.
func parsePortEntry(host, seg string) (*ScanRecord, error) {
	bits := strings.Split(seg, "/")
	if len(bits) < 5 {
		return nil, errors.Errorf("expected at least 5 fields, got %d", len(bits))
	}

	if bits[1] != "open" {
		return nil, nil
	}

	port, err := strconv.Atoi(bits[0])
	if err != nil {
		return nil, errors.Wrap(err, "bad port number")
	}

	service := bits[4]
	if service == "" {
		service = "-"
	}

	return &ScanRecord{
		Host:     host,
		Port:     port,
		Protocol: bits[2],
		Service:  service,
		State:    bits[1],
	}, nil
}

// WriteSummaryCSV writes one host,port,protocol,service row per record.
func WriteSummaryCSV(w io.Writer, records []*ScanRecord) error {
	cw := csv.NewWriter(w)
	for _, rec := range records {
		row := []string{rec.Host, strconv.Itoa(rec.Port), rec.Protocol, rec.Service}
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "failed to write summary row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush summary")
}

type summaryRow struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Proto   string `json:"proto"`
	Service string `json:"service"`
}

// WriteSummaryJSON writes the records as a JSON array in record order.
func WriteSummaryJSON(w io.Writer, records []*ScanRecord) error {
	rows := make([]summaryRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, summaryRow{rec.Host, rec.Port, rec.Protocol, rec.Service})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(rows), "failed to encode summary")
}

// WriteSummaryMarkdown writes a per-host port table, hosts and ports in
// first-appearance order.
func WriteSummaryMarkdown(w io.Writer, records []*ScanRecord, now time.Time) error {
	var b strings.Builder
	b.WriteString("# Nmap Summary\n\n")
	fmt.Fprintf(&b, "- Generated: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Source: `%s`\n\n", fileGrep)

	if len(records) == 0 {
		b.WriteString("_No open ports found._\n")
		_, err := io.WriteString(w, b.String())
		return errors.Wrap(err, "failed to write summary markdown")
	}

	var hosts []string
	byHost := make(map[string][]*ScanRecord)
	for _, rec := range records {
		if _, ok := byHost[rec.Host]; !ok {
			hosts = append(hosts, rec.Host)
		}
		byHost[rec.Host] = append(byHost[rec.Host], rec)
	}

	for _, host := range hosts {
		fmt.Fprintf(&b, "## %s\n\n", host)
		b.WriteString("| Port | Proto | Service |\n|------|-------|---------|\n")
		for _, rec := range byHost[host] {
			fmt.Fprintf(&b, "| %d | %s | %s |\n", rec.Port, rec.Protocol, rec.Service)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return errors.Wrap(err, "failed to write summary markdown")
}
