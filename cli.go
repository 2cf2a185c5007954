package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/services"
)

// Reconciler is what -ingest needs from the listing service
type Reconciler interface {
	Reconcile(ctx context.Context, obs *models.Observation) (*models.ReconcileResult, error)
}

// SaleImporter is what -import needs from the historical sale service
type SaleImporter interface {
	Import(ctx context.Context, rows []map[string]string, source string) (*models.ImportReport, error)
}

var (
	_ Reconciler   = (*services.ListingService)(nil)
	_ SaleImporter = (*services.HistoricalSaleService)(nil)
)

func ingestObservations(ctx context.Context, r Reconciler, path string) (*services.ProcessStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingestJSONLines(ctx, r, f)
}

// ingestJSONLines reconciles one observation per line. Bad lines are counted
// and logged; only read errors and cancellation stop the run.
func ingestJSONLines(ctx context.Context, r Reconciler, in io.Reader) (*services.ProcessStats, error) {
	stats := &services.ProcessStats{}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var obs models.Observation
		if err := json.Unmarshal([]byte(text), &obs); err != nil {
			stats.Fail(models.WrapError(models.KindValidation, fmt.Sprintf("line %d", line), err))
			logging.Logger.Warnf("Line %d: invalid JSON: %v", line, err)
			continue
		}

		res, err := r.Reconcile(ctx, &obs)
		if err != nil {
			stats.Fail(err)
			logging.Logger.Warnf("Line %d: %v", line, err)
			continue
		}
		stats.Aggregate(res)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read observations: %w", err)
	}
	return stats, nil
}

func importSales(ctx context.Context, imp SaleImporter, path, source string) (*models.ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := readCSVRows(f)
	if err != nil {
		return nil, err
	}
	return imp.Import(ctx, rows, source)
}

// readCSVRows maps each record onto the header. Header names are trimmed and
// lowercased; short records leave the missing columns empty.
func readCSVRows(in io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
