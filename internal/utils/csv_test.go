package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalpilot/internal/domain"
)

func TestSignalCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.csv")
	at := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	records := []ReplayRecord{
		{
			Signal: domain.Signal{
				Kind: domain.SignalOpenLong, Symbol: "BTCUSDT", CorrelationID: "X",
				UserID: "u1", ReceivedAt: at,
			},
			Price: 50000,
		},
		{
			Signal: domain.Signal{
				Kind: domain.SignalClosePartial, Symbol: "BTCUSDT", CorrelationID: "X",
				Percentage: 50, UserID: "u1", ReceivedAt: at.Add(time.Hour),
			},
			Price: 51250.5,
		},
	}
	require.NoError(t, WriteSignalsToCSV(records, path))

	got, err := ReadSignalsFromCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.SignalOpenLong, got[0].Signal.Kind)
	assert.Equal(t, "X", got[0].Signal.CorrelationID)
	assert.Equal(t, 50000.0, got[0].Price)
	assert.Equal(t, 50.0, got[1].Signal.Percentage)
	assert.True(t, got[1].Signal.ReceivedAt.Equal(at.Add(time.Hour)))
}

func TestReadSignalsRejectsUnknownKeyword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	content := "received_at,user_id,signal,symbol,id,percentage,price\n" +
		"2025-03-10T14:30:00Z,u1,hold,BTCUSDT,X,0,50000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := ReadSignalsFromCSV(path)
	assert.ErrorContains(t, err, "unknown signal keyword")
}

func TestReadSignalsRejectsShortRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.csv")
	content := "received_at,user_id,signal,symbol,id,percentage,price\n" +
		"2025-03-10T14:30:00Z,u1,close\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := ReadSignalsFromCSV(path)
	assert.Error(t, err)
}
