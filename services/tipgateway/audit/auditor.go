package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"ecotip/observability"
	"ecotip/services/tipgateway/models"
)

// co2Tolerance absorbs decimal(18,4) rounding on stored tonnes.
var co2Tolerance = decimal.RequireFromString("0.0001")

// Config captures the dependencies required to construct an Auditor.
type Config struct {
	DB         *gorm.DB
	CO2PerUnit decimal.Decimal
	OutputDir  string
	TZ         *time.Location
	Metrics    *observability.TipMetrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// RunOptions overrides behaviour for a single run.
type RunOptions struct {
	DryRun bool
}

// Row compares a creator's running totals with the completed tips behind them.
type Row struct {
	CreatorID     uuid.UUID
	Handle        string
	UnitsTotal    int64
	LedgerUnits   int64
	CompletedTips int64
	CO2Tonnes     decimal.Decimal
	ExpectedCO2   decimal.Decimal
	MissingTotals bool
	UnitsDrift    int64
	CO2Mismatch   bool
	LastCompleted *time.Time
	TotalsUpdated time.Time
}

// Drifted reports whether the row needs operator attention.
func (r Row) Drifted() bool {
	return r.UnitsDrift != 0 || r.CO2Mismatch || r.MissingTotals
}

// Result summarises an audit run.
type Result struct {
	RanAt       time.Time
	Rows        []Row
	Drifted     []Row
	CSVPath     string
	ParquetPath string
}

// Auditor recomputes impact totals from the tip ledger and reports drift.
type Auditor struct {
	db         *gorm.DB
	co2PerUnit decimal.Decimal
	outputDir  string
	tz         *time.Location
	metrics    *observability.TipMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuditor builds a configured auditor.
func NewAuditor(cfg Config) (*Auditor, error) {
	if cfg.DB == nil {
		return nil, errors.New("audit: db is required")
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = "reports"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Auditor{
		db:         cfg.DB,
		co2PerUnit: cfg.CO2PerUnit,
		outputDir:  outputDir,
		tz:         cfg.TZ,
		metrics:    cfg.Metrics,
		logger:     logger.With(slog.String("component", "audit")),
		now:        now,
	}, nil
}

type ledgerAggregate struct {
	Units         int64
	Count         int64
	LastCompleted *time.Time
}

// Run compares every creator's ImpactTotals with the sum of units on their
// completed tips and writes CSV and Parquet reports unless opts.DryRun is set.
func (a *Auditor) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	ranAt := a.now().In(a.tz)

	var creators []models.Creator
	if err := a.db.WithContext(ctx).Select("id", "handle").Find(&creators).Error; err != nil {
		return nil, fmt.Errorf("audit: load creators: %w", err)
	}
	var totals []models.ImpactTotals
	if err := a.db.WithContext(ctx).Find(&totals).Error; err != nil {
		return nil, fmt.Errorf("audit: load totals: %w", err)
	}
	ledgerMap, err := a.aggregateLedger(ctx)
	if err != nil {
		return nil, err
	}

	totalsMap := make(map[uuid.UUID]models.ImpactTotals, len(totals))
	for _, t := range totals {
		totalsMap[t.CreatorID] = t
	}
	result := &Result{RanAt: ranAt, Rows: make([]Row, 0, len(creators))}
	for _, creator := range creators {
		total, hasTotals := totalsMap[creator.ID]
		agg := ledgerMap[creator.ID]
		expected := decimal.NewFromInt(agg.Units).Mul(a.co2PerUnit)
		row := Row{
			CreatorID:     creator.ID,
			Handle:        creator.Handle,
			UnitsTotal:    total.UnitsTotal,
			LedgerUnits:   agg.Units,
			CompletedTips: agg.Count,
			CO2Tonnes:     total.CO2Tonnes,
			ExpectedCO2:   expected,
			MissingTotals: !hasTotals,
			UnitsDrift:    total.UnitsTotal - agg.Units,
			CO2Mismatch:   hasTotals && total.CO2Tonnes.Sub(expected).Abs().GreaterThan(co2Tolerance),
			LastCompleted: agg.LastCompleted,
			TotalsUpdated: total.UpdatedAt,
		}
		result.Rows = append(result.Rows, row)
		if row.Drifted() {
			result.Drifted = append(result.Drifted, row)
			a.logger.Warn("impact totals drifted from ledger",
				slog.String("creator_id", creator.ID.String()),
				slog.String("handle", creator.Handle),
				slog.Int64("units_total", row.UnitsTotal),
				slog.Int64("ledger_units", row.LedgerUnits),
				slog.Bool("missing_totals", row.MissingTotals))
		}
	}
	sort.Slice(result.Rows, func(i, j int) bool { return result.Rows[i].Handle < result.Rows[j].Handle })
	a.metrics.SetAuditDrift(len(result.Drifted))

	if opts.DryRun {
		return result, nil
	}
	runDir := filepath.Join(a.outputDir, ranAt.Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create output dir: %w", err)
	}
	base := "impact-audit-" + ranAt.Format("150405")
	result.CSVPath = filepath.Join(runDir, base+".csv")
	if err := writeCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(runDir, base+".parquet")
	if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	a.logger.Info("impact audit complete",
		slog.Int("creators", len(result.Rows)),
		slog.Int("drifted", len(result.Drifted)),
		slog.String("csv", result.CSVPath),
		slog.String("parquet", result.ParquetPath))
	return result, nil
}

// aggregateLedger sums completed tips per creator in batches.
func (a *Auditor) aggregateLedger(ctx context.Context) (map[uuid.UUID]ledgerAggregate, error) {
	out := make(map[uuid.UUID]ledgerAggregate)
	var batch []models.Tip
	res := a.db.WithContext(ctx).
		Select("id", "creator_id", "units", "completed_at").
		Where("status = ?", models.TipStatusCompleted).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, tip := range batch {
				agg := out[tip.CreatorID]
				agg.Units += tip.Units
				agg.Count++
				if tip.CompletedAt != nil && (agg.LastCompleted == nil || tip.CompletedAt.After(*agg.LastCompleted)) {
					completed := *tip.CompletedAt
					agg.LastCompleted = &completed
				}
				out[tip.CreatorID] = agg
			}
			return nil
		})
	if res.Error != nil {
		return nil, fmt.Errorf("audit: aggregate tips: %w", res.Error)
	}
	return out, nil
}

var csvHeader = []string{
	"creator_id", "handle", "units_total", "ledger_units", "completed_tips",
	"co2_tonnes", "expected_co2_tonnes", "units_drift", "co2_mismatch",
	"missing_totals", "last_completed_at", "totals_updated_at",
}

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		file.Close()
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.CreatorID.String(),
			row.Handle,
			strconv.FormatInt(row.UnitsTotal, 10),
			strconv.FormatInt(row.LedgerUnits, 10),
			strconv.FormatInt(row.CompletedTips, 10),
			row.CO2Tonnes.StringFixed(4),
			row.ExpectedCO2.StringFixed(4),
			strconv.FormatInt(row.UnitsDrift, 10),
			strconv.FormatBool(row.CO2Mismatch),
			strconv.FormatBool(row.MissingTotals),
			formatTime(row.LastCompleted),
			formatTime(&row.TotalsUpdated),
		}
		if err := w.Write(record); err != nil {
			file.Close()
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	CreatorID       string `parquet:"name=creator_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Handle          string `parquet:"name=handle, type=UTF8, encoding=PLAIN_DICTIONARY"`
	UnitsTotal      int64  `parquet:"name=units_total, type=INT64"`
	LedgerUnits     int64  `parquet:"name=ledger_units, type=INT64"`
	CompletedTips   int64  `parquet:"name=completed_tips, type=INT64"`
	CO2Tonnes       string `parquet:"name=co2_tonnes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ExpectedCO2     string `parquet:"name=expected_co2_tonnes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	UnitsDrift      int64  `parquet:"name=units_drift, type=INT64"`
	CO2Mismatch     bool   `parquet:"name=co2_mismatch, type=BOOLEAN"`
	MissingTotals   bool   `parquet:"name=missing_totals, type=BOOLEAN"`
	LastCompletedAt string `parquet:"name=last_completed_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TotalsUpdatedAt string `parquet:"name=totals_updated_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			CreatorID:       row.CreatorID.String(),
			Handle:          row.Handle,
			UnitsTotal:      row.UnitsTotal,
			LedgerUnits:     row.LedgerUnits,
			CompletedTips:   row.CompletedTips,
			CO2Tonnes:       row.CO2Tonnes.StringFixed(4),
			ExpectedCO2:     row.ExpectedCO2.StringFixed(4),
			UnitsDrift:      row.UnitsDrift,
			CO2Mismatch:     row.CO2Mismatch,
			MissingTotals:   row.MissingTotals,
			LastCompletedAt: formatTime(row.LastCompleted),
			TotalsUpdatedAt: formatTime(&row.TotalsUpdated),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
