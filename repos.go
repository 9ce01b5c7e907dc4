package nmapai

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DatabaseLocation string

const (
	NO_DATABASE       DatabaseLocation = ""
	INMEMORY_DATABASE DatabaseLocation = ":memory:"
)

type Repository interface {
	WithTransaction(fn func(*gorm.DB) error) error
	connect() (*gorm.DB, error)
}

type repository struct {
	db *gorm.DB

	location string
	config   *gorm.Config
	models   []any
}

// do whatever within a separate transaction
func (r *repository) WithTransaction(fn func(conn *gorm.DB) error) error {
	if _, err := r.connect(); err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

func (r *repository) connect() (*gorm.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := gorm.Open(sqlite.Open(r.location), r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	db = db.Exec("PRAGMA foreign_keys = ON")
	if err := db.AutoMigrate(r.models...); err != nil {
		return nil, err
	}
	r.db = db

	return db, nil
}

type runRepo struct {
	Repository
}

func (r *runRepo) addRun(run *Run) error {
	return r.WithTransaction(func(conn *gorm.DB) error {
		if err := conn.Create(run).Error; err != nil {
			return errors.Wrap(err, "failed to create run")
		}
		return nil
	})
}

type recordRepo struct {
	Repository
	cache *expirable.LRU[string, []*ScanRecord]
}

// saveRecords persists the normalized records. Conflicts on the
// (run, host, port, protocol) index are dropped silently: record storage
// has set semantics.
func (r *recordRepo) saveRecords(records []*ScanRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Clauses(clause.OnConflict{
			DoNothing: true,
		}).Create(records)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create scan record(s)")
		}

		for _, rec := range records {
			r.cache.Remove(hostKey(rec.RunID, rec.Host))
		}
		return nil
	})
}

func hostKey(runID uint, host string) string {
	return fmt.Sprintf("%d/%s", runID, host)
}

// getRecords returns a run's records in insertion order.
func (r *recordRepo) getRecords(runID uint) ([]*ScanRecord, error) {
	var records []*ScanRecord
	return records, r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Where(&ScanRecord{RunID: runID}).Order("id").Find(&records)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find scan records")
		}
		return nil
	})
}

// hostRecords returns one host's records, caching lookups: the digest
// writer asks for the same host once per annotation block group.
func (r *recordRepo) hostRecords(runID uint, host string) ([]*ScanRecord, error) {
	key := hostKey(runID, host)
	if records, ok := r.cache.Get(key); ok {
		return records, nil
	}

	var records []*ScanRecord
	err := r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Where(&ScanRecord{RunID: runID, Host: host}).Order("id").Find(&records)
		if err := q.Error; err != nil {
			return errors.Wrapf(err, "failed to find records for host %s", host)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, records)
	return records, nil
}

type probeRepo struct {
	Repository
}

func (r *probeRepo) addReport(rep ...*ProbeReport) error {
	return r.WithTransaction(func(conn *gorm.DB) error {
		if err := conn.Create(rep).Error; err != nil {
			return errors.Wrap(err, "failed to create probe report(s)")
		}
		return nil
	})
}

type enrichRepo struct {
	Repository
}

// addEnrichments persists CVE context rows, dropping conflicts on the
// (run, cve) index the same way records do.
func (r *enrichRepo) addEnrichments(rows []*Enrichment) error {
	if len(rows) == 0 {
		return nil
	}
	return r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Clauses(clause.OnConflict{
			DoNothing: true,
		}).Create(rows)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create enrichment row(s)")
		}
		return nil
	})
}

type analysisRepo struct {
	Repository
}

func (r *analysisRepo) addAnalysis(a ...*Analysis) error {
	return r.WithTransaction(func(conn *gorm.DB) error {
		if err := conn.Create(a).Error; err != nil {
			return errors.Wrap(err, "failed to create analysis row(s)")
		}
		return nil
	})
}

type repositoryBuilder struct {
	home     string
	location string
	config   *gorm.Config
	models   []any
}

func newRepositoryBuilder(home string) *repositoryBuilder {
	return &repositoryBuilder{
		home: home,
		config: &gorm.Config{
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		},
	}
}

func (b *repositoryBuilder) setLocation(name string) *repositoryBuilder {
	b.location = name
	return b
}

func (b *repositoryBuilder) setName(n string) *repositoryBuilder {
	switch b.home {
	case "-":
		return b.setLocation(string(INMEMORY_DATABASE))
	default:
		return b.setLocation(filepath.Join(b.home, n))
	}
}

func (b *repositoryBuilder) setModels(m []any) *repositoryBuilder {
	b.models = m
	return b
}

func (b *repositoryBuilder) reset() {
	b.models = nil
	b.location = ""
}

func (b *repositoryBuilder) build() *repository {
	repo := &repository{
		config:   b.config,
		location: b.location,
		models:   b.models,
	}
	defer b.reset()
	return repo
}

// One database per run, shared by every typed repo.
type repositoryRegistry struct {
	base *repository

	runs        *runRepo
	records     *recordRepo
	probes      *probeRepo
	enrichments *enrichRepo
	analyses    *analysisRepo
}

// newRepositoryRegistry opens the run database inside the run directory.
// A home of "-" keeps everything in memory, which is what tests use.
func newRepositoryRegistry(home string) *repositoryRegistry {
	b := newRepositoryBuilder(home)
	repo := b.
		setModels([]any{&Run{}, &ScanRecord{}, &ProbeReport{}, &Enrichment{}, &Analysis{}}).
		setName(fileRunDB).
		build()
	return &repositoryRegistry{base: repo}
}

func (r *repositoryRegistry) Runs() *runRepo {
	if r.runs == nil {
		r.runs = &runRepo{r.base}
	}
	return r.runs
}

func (r *repositoryRegistry) Records() *recordRepo {
	if r.records == nil {
		cache := expirable.NewLRU[string, []*ScanRecord](256, nil, 5*time.Minute)
		r.records = &recordRepo{r.base, cache}
	}
	return r.records
}

func (r *repositoryRegistry) Probes() *probeRepo {
	if r.probes == nil {
		r.probes = &probeRepo{r.base}
	}
	return r.probes
}

func (r *repositoryRegistry) Enrichments() *enrichRepo {
	if r.enrichments == nil {
		r.enrichments = &enrichRepo{r.base}
	}
	return r.enrichments
}

func (r *repositoryRegistry) Analyses() *analysisRepo {
	if r.analyses == nil {
		r.analyses = &analysisRepo{r.base}
	}
	return r.analyses
}
