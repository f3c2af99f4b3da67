package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tunnelprobe/internal/model"
)

var header = []string{
	"timestamp",
	"target",
	"host",
	"url",
	"outcome",
	"status_code",
	"latency_ms",
	"tunnels",
}

// WriteCSV writes attempts to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Attempt) error {
	return writeRecords(w, items, true)
}

// AppendCSV appends attempts to the file at path, writing the header only
// when the file is new or empty.
func AppendCSV(path string, items []model.Attempt) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	return writeRecords(file, items, info.Size() == 0)
}

func writeRecords(w io.Writer, items []model.Attempt, withHeader bool) error {
	writer := csv.NewWriter(w)

	if withHeader {
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, a := range items {
		record := []string{
			a.Timestamp.UTC().Format(time.RFC3339Nano),
			a.Target,
			a.Host,
			a.URL,
			a.Outcome,
			strconv.Itoa(a.StatusCode),
			strconv.FormatFloat(a.LatencyMs, 'f', 3, 64),
			strconv.Itoa(a.Tunnels),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
