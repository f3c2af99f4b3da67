package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"tunnelprobe/internal/model"
)

// ReadCSV loads attempts from a CSV file.
func ReadCSV(path string) ([]model.Attempt, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Attempt, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Attempt, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		status, _ := strconv.Atoi(rec[5])
		latency, _ := strconv.ParseFloat(rec[6], 64)
		tunnels, _ := strconv.Atoi(rec[7])
		items = append(items, model.Attempt{
			Timestamp:  ts,
			Target:     rec[1],
			Host:       rec[2],
			URL:        rec[3],
			Outcome:    rec[4],
			StatusCode: status,
			LatencyMs:  latency,
			Tunnels:    tunnels,
		})
	}

	return items, nil
}
