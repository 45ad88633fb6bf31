package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"ecotip/services/tipgateway/audit"
	"ecotip/services/tipgateway/config"
	tipmw "ecotip/services/tipgateway/middleware"
	"ecotip/services/tipgateway/registry"
	"ecotip/services/tipgateway/storage"
)

const (
	auditCommand = "audit"
	tokenCommand = "token"
)

type auditReport struct {
	RanAt       time.Time   `json:"ranAt"`
	Creators    int         `json:"creators"`
	Drifted     []driftLine `json:"drifted"`
	CSVPath     string      `json:"csvPath,omitempty"`
	ParquetPath string      `json:"parquetPath,omitempty"`
}

type driftLine struct {
	Handle        string `json:"handle"`
	UnitsTotal    int64  `json:"unitsTotal"`
	LedgerUnits   int64  `json:"ledgerUnits"`
	MissingTotals bool   `json:"missingTotals,omitempty"`
	CO2Mismatch   bool   `json:"co2Mismatch,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case auditCommand:
		runAudit(os.Args[2:])
	case tokenCommand:
		runToken(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func runAudit(args []string) {
	fs := flag.NewFlagSet(auditCommand, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the ecotipd config file")
	dryRun := fs.Bool("dry-run", false, "Compare totals without writing reports")
	_ = fs.Parse(args)

	report, err := auditOnce(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
	if len(report.Drifted) > 0 {
		os.Exit(2)
	}
}

func auditOnce(configPath string, dryRun bool) (*auditReport, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(cfg.Database.URL, storage.Options{MaxOpenConns: 1})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	auditor, err := audit.NewAuditor(audit.Config{
		DB:         db,
		CO2PerUnit: cfg.Impact.CO2TonnesPerUnit,
		OutputDir:  cfg.Audit.OutputDir,
		TZ:         cfg.Location(),
	})
	if err != nil {
		return nil, err
	}
	result, err := auditor.Run(context.Background(), audit.RunOptions{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	report := &auditReport{
		RanAt:       result.RanAt,
		Creators:    len(result.Rows),
		Drifted:     make([]driftLine, 0, len(result.Drifted)),
		CSVPath:     result.CSVPath,
		ParquetPath: result.ParquetPath,
	}
	for _, row := range result.Drifted {
		report.Drifted = append(report.Drifted, driftLine{
			Handle:        row.Handle,
			UnitsTotal:    row.UnitsTotal,
			LedgerUnits:   row.LedgerUnits,
			MissingTotals: row.MissingTotals,
			CO2Mismatch:   row.CO2Mismatch,
		})
	}
	return report, nil
}

func runToken(args []string) {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the ecotipd config file")
	creator := fs.String("creator", "", "Creator ID to issue the token for")
	handle := fs.String("handle", "", "Creator handle, resolved through the database")
	_ = fs.Parse(args)

	token, expires, err := issueToken(*configPath, strings.TrimSpace(*creator), strings.TrimSpace(*handle))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n# expires %s\n", token, expires.UTC().Format(time.RFC3339))
}

func issueToken(configPath, creator, handle string) (string, time.Time, error) {
	if (creator == "") == (handle == "") {
		return "", time.Time{}, fmt.Errorf("exactly one of -creator or -handle is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load config: %w", err)
	}
	var creatorID uuid.UUID
	if creator != "" {
		creatorID, err = uuid.Parse(creator)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("invalid creator id: %w", err)
		}
	} else {
		db, err := storage.Open(cfg.Database.URL, storage.Options{MaxOpenConns: 1})
		if err != nil {
			return "", time.Time{}, err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		found, err := registry.New(registry.Config{DB: db}).ByHandle(context.Background(), handle)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("lookup %q: %w", handle, err)
		}
		creatorID = found.ID
	}
	auth := tipmw.NewAuthenticator(tipmw.AuthConfig{
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		TokenTTL:   cfg.Auth.TokenTTL.Duration,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, nil)
	return auth.Issue(creatorID)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s  Compare impact totals with the completed tip ledger\n", auditCommand)
	fmt.Fprintf(os.Stderr, "  %s  Issue a dashboard token for a creator\n", tokenCommand)
}
