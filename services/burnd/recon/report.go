package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var reportHeader = []string{"run_start", "kind", "reference", "outcome", "amount", "tx_ref", "detail"}

func writeReportFiles(baseDir string, result *Result) (string, string, error) {
	dir := filepath.Join(baseDir, result.Start.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	filename := "recon_" + result.Start.Format("20060102T150405Z")
	csvPath := filepath.Join(dir, filename+".csv")
	if err := writeCSV(csvPath, result); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, filename+".parquet")
	if err := writeParquet(parquetPath, result); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeCSV(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	start := result.Start.Format(time.RFC3339)
	for _, item := range result.Items {
		record := []string{
			start,
			item.Kind,
			item.Reference,
			item.Outcome,
			strconv.FormatFloat(item.Amount, 'f', -1, 64),
			item.TxRef,
			item.Detail,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RunStart  string  `parquet:"name=run_start, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind      string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference string  `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome   string  `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	TxRef     string  `parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail    string  `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	start := result.Start.Format(time.RFC3339)
	for _, item := range result.Items {
		row := &parquetRow{
			RunStart:  start,
			Kind:      item.Kind,
			Reference: item.Reference,
			Outcome:   item.Outcome,
			Amount:    item.Amount,
			TxRef:     item.TxRef,
			Detail:    item.Detail,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
