package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/erc7824/nodelink/pkg/log"
)

// EventExporter writes journaled filter events as CSV.
type EventExporter struct {
	db *gorm.DB
}

func NewEventExporter(db *gorm.DB) *EventExporter {
	return &EventExporter{db: db}
}

// ExportToCSV writes every event recorded for filterKey.
func (e *EventExporter) ExportToCSV(writer io.Writer, filterKey string) error {
	events, err := GetJournalEvents(e.db, filterKey)
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	header := []string{"BlockNumber", "TransactionHash", "LogIndex", "Address", "Topics", "Historical", "Removed", "RecordedAt"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, ev := range events {
		row := []string{
			strconv.FormatUint(ev.BlockNumber, 10),
			ev.TransactionHash,
			strconv.FormatUint(uint64(ev.LogIndex), 10),
			ev.Address,
			strings.Join(ev.Topics, " "),
			strconv.FormatBool(ev.Historical),
			strconv.FormatBool(ev.Removed),
			ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// ExportToFile writes <outputDir>/events_<filterKey>.csv.
func (e *EventExporter) ExportToFile(filterKey, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", outputDir, err)
	}

	fileName := filepath.Join(outputDir, fmt.Sprintf("events_%s.csv", sanitizeFileName(filterKey)))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, filterKey); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}
	return fileName, nil
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func newExportEventsCommand(logger log.Logger) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "export-events <filterKey>",
		Short: "Export journaled filter events to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logger.WithName("export-events")

			config, err := LoadConfig(logger)
			if err != nil {
				return err
			}
			db, err := ConnectToDB(config.dbConf, logger)
			if err != nil {
				return fmt.Errorf("failed to setup database: %w", err)
			}

			fileName, err := NewEventExporter(db).ExportToFile(args[0], outputDir)
			if err != nil {
				return err
			}
			logger.Info("exported events", "file", fileName)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "out", "csv_export", "output directory")
	return cmd
}
