package nmapai

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// A single pipeline run. Anchors every other table in the run database.
type Run struct {
	gorm.Model

	// Run-scoped output directory
	Dir string
	// Scanner parameter string as given
	Params string
	// Sanitized target count
	TargetCount int
}

// A normalized open-port observation from the grepable scan output.
// (run, host, port, protocol) is unique; duplicates collapse on save while
// the autoincrement ID keeps insertion order for reporting.
type ScanRecord struct {
	gorm.Model

	RunID    uint   `gorm:"uniqueIndex:idx_scan_record"`
	Host     string `gorm:"uniqueIndex:idx_scan_record"`
	Port     int    `gorm:"uniqueIndex:idx_scan_record"`
	Protocol string `gorm:"uniqueIndex:idx_scan_record"`
	Service  string
	State    string
}

// Outcome of one follow-up probe invocation. Failures are rows too: a probe
// failing is data about the run, not a pipeline error.
type ProbeReport struct {
	gorm.Model

	RunID  uint
	Host   string
	Port   int
	Scheme string
	// Where the probe wrote its report
	Path   string
	Failed bool
	Error  string
}

// NVD and EPSS context for one CVE referenced by the annotation findings.
// Zero scores mean the source had nothing, not a score of zero risk.
type Enrichment struct {
	gorm.Model

	RunID          uint   `gorm:"uniqueIndex:idx_enrichment"`
	CVE            string `gorm:"uniqueIndex:idx_enrichment"`
	CVSSScore      float64
	Severity       string
	Description    string
	EPSSScore      float64
	EPSSPercentile float64
}

// Terminal state of one summarization chunk. Payload holds the raw request
// and response bodies for audit.
type Analysis struct {
	gorm.Model

	RunID      uint
	ChunkIndex int
	Status     string
	Content    string
	Error      string
	Payload    datatypes.JSON
}
