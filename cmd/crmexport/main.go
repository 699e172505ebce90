package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/natserract/dynamicscrm/pkg/config"
	"github.com/natserract/dynamicscrm/pkg/dynamics"
	"github.com/natserract/dynamicscrm/pkg/export"
	"github.com/natserract/dynamicscrm/pkg/export/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	jobsFile     string
	entitySet    string
	idAttribute  string
	query        string
	fetchXMLFile string
	pageSize     int
	concurrency  int
	qps          float64
	initSchema   bool
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "crmexport",
	Short: "Export Dynamics CRM records into Postgres",
	Long: `Runs OData or FetchXML queries against the Dynamics CRM Web API and upserts
every returned record into Postgres as JSONB.

CRM credentials come from CRM_* environment variables (or .env), the database
from DB_* variables.

Examples:
  # Run every job of a job file
  crmexport --jobs jobs.yaml --init-schema

  # Run a single OData query
  crmexport --entity-set contacts --id-attribute contactid \
    --query 'contacts?$select=fullname,emailaddress1'

  # Run a single FetchXML query
  crmexport --entity-set accounts --id-attribute accountid --fetchxml accounts.xml`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runExport,
}

func init() {
	rootCmd.Flags().StringVar(&jobsFile, "jobs", "", "YAML file listing the export jobs")
	rootCmd.Flags().StringVar(&entitySet, "entity-set", "", "entity set of a single ad-hoc job")
	rootCmd.Flags().StringVar(&idAttribute, "id-attribute", "", "primary key attribute of the ad-hoc job")
	rootCmd.Flags().StringVar(&query, "query", "", "OData query of the ad-hoc job, relative to the API root")
	rootCmd.Flags().StringVar(&fetchXMLFile, "fetchxml", "", "file holding the FetchXML of the ad-hoc job")
	rootCmd.Flags().IntVar(&pageSize, "page-size", dynamics.DefaultFetchXMLPageSize, "FetchXML page size of the ad-hoc job")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", export.DefaultConcurrency, "number of jobs run at once")
	rootCmd.Flags().Float64Var(&qps, "qps", 0, "maximum queries started per second, 0 for unlimited")
	rootCmd.Flags().BoolVar(&initSchema, "init-schema", false, "create the export tables before running")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.MarkFlagsMutuallyExclusive("jobs", "entity-set")
	rootCmd.MarkFlagsMutuallyExclusive("query", "fetchxml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runExport(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	jobs, err := loadJobs()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, postgres.NewConfig(), logger)
	if err != nil {
		logger.Error("Failed to connect to database", zap.Error(err))
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if initSchema {
		if err := db.InitSchema(ctx); err != nil {
			return err
		}
	}

	client, err := dynamics.NewClientWithLogger(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create CRM client: %w", err)
	}

	svc := export.NewService(client, postgres.NewRecordStore(db, logger), export.Options{
		Concurrency:      concurrency,
		QueriesPerSecond: qps,
	}, logger)

	metrics, err := svc.Run(ctx, jobs)

	fmt.Printf("Export Metrics:\n")
	fmt.Printf("  Jobs: %d succeeded, %d failed\n", metrics.JobsSucceeded, metrics.JobsFailed)
	fmt.Printf("  Records exported: %d\n", metrics.RecordsExported)
	fmt.Printf("  Throttled retries: %d\n", metrics.Retries)

	if err != nil {
		logger.Error("Export finished with errors", zap.Error(err))
		return err
	}

	fmt.Println("Successfully exported all jobs")
	return nil
}

// loadJobs builds the job list from --jobs or from the ad-hoc job flags
func loadJobs() ([]export.Job, error) {
	if jobsFile != "" {
		return export.LoadJobs(jobsFile)
	}
	if entitySet == "" {
		return nil, errors.New("either --jobs or --entity-set is required")
	}

	job := export.Job{
		Name:        entitySet,
		EntitySet:   entitySet,
		IDAttribute: idAttribute,
		Query:       query,
		PageSize:    pageSize,
	}
	if fetchXMLFile != "" {
		data, err := os.ReadFile(fetchXMLFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read FetchXML file: %w", err)
		}
		job.FetchXML = string(data)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	return []export.Job{job}, nil
}
