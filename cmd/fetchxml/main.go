package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natserract/dynamicscrm/pkg/config"
	"github.com/natserract/dynamicscrm/pkg/dynamics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultExportDir = "exports"

var (
	outPath  string
	pageSize int
)

var rootCmd = &cobra.Command{
	Use:   "fetchxml <entity-set> <fetchxml-file>",
	Short: "Run a FetchXML query and write the result set as JSON",
	Long: `Runs a FetchXML query against an entity set of the Dynamics CRM Web API,
following the paging cookie until every page is read, and writes all records
to a JSON file.

Example:
  fetchxml accounts queries/active-accounts.xml --out exports/accounts.json`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runFetchXML,
}

func init() {
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default exports/<entity-set>.json)")
	rootCmd.Flags().IntVar(&pageSize, "page-size", dynamics.DefaultFetchXMLPageSize, "records requested per page")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runFetchXML(cmd *cobra.Command, args []string) error {
	entitySet, queryFile := args[0], args[1]

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	fetchXML, err := os.ReadFile(queryFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", queryFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := dynamics.NewClientWithLogger(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create CRM client: %w", err)
	}

	records, err := client.SendFetchXML(cmd.Context(), entitySet, string(fetchXML), pageSize)
	if err != nil {
		logger.Error("FetchXML query failed", zap.String("entity_set", entitySet), zap.Error(err))
		return err
	}

	path := outPath
	if path == "" {
		path = filepath.Join(defaultExportDir, entitySet+".json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	if records == nil {
		records = []*dynamics.Record{}
	}
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		logger.Error("Failed to write export file", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	logger.Info("Export written", zap.String("path", path), zap.Int("count", len(records)))
	fmt.Printf("Exported %d %s records to %s\n", len(records), entitySet, path)
	return nil
}
