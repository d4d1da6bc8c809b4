package utils

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"signalpilot/internal/domain"
)

// ReplayRecord is one line of a recorded signal file: the signal itself plus
// the reference price observed when it arrived, so a replay run can pin the
// simulator to historical prices.
type ReplayRecord struct {
	Signal domain.Signal
	Price  float64
}

var replayHeader = []string{"received_at", "user_id", "signal", "symbol", "id", "percentage", "price"}

// WriteSignalsToCSV writes replay records with a header row.
func WriteSignalsToCSV(records []ReplayRecord, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write(replayHeader)
	for _, r := range records {
		writer.Write([]string{
			r.Signal.ReceivedAt.Format(time.RFC3339),
			r.Signal.UserID,
			string(r.Signal.Kind),
			r.Signal.Symbol,
			r.Signal.CorrelationID,
			strconv.FormatFloat(r.Signal.Percentage, 'f', -1, 64),
			strconv.FormatFloat(r.Price, 'f', -1, 64),
		})
	}
	return writer.Error()
}

// ReadSignalsFromCSV reads replay records, skipping the header row.
func ReadSignalsFromCSV(filename string) ([]ReplayRecord, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	records := make([]ReplayRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		line := i + 2 // 1-based, after the header
		if len(row) != len(replayHeader) {
			return nil, fmt.Errorf("%s line %d: expected %d columns, got %d", filename, line, len(replayHeader), len(row))
		}

		receivedAt, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad received_at %q: %w", filename, line, row[0], err)
		}
		kind, ok := domain.ParseSignalKind(row[2])
		if !ok {
			return nil, fmt.Errorf("%s line %d: unknown signal keyword %q", filename, line, row[2])
		}
		percentage, err := strconv.ParseFloat(row[5], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad percentage %q: %w", filename, line, row[5], err)
		}
		price, err := strconv.ParseFloat(row[6], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad price %q: %w", filename, line, row[6], err)
		}

		records = append(records, ReplayRecord{
			Signal: domain.Signal{
				Kind:          kind,
				Symbol:        row[3],
				CorrelationID: row[4],
				Percentage:    percentage,
				UserID:        row[1],
				ReceivedAt:    receivedAt,
			},
			Price: price,
		})
	}
	return records, nil
}
