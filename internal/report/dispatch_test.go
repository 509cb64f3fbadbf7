package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/pkg/db"
)

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) Append(context.Context, *db.DailyLedger) error {
	s.calls++
	return s.err
}

func (s *stubSink) Send(context.Context, *db.DailyLedger) error {
	s.calls++
	return s.err
}

func TestDispatchSinkFailuresAreIndependent(t *testing.T) {
	sheet := &stubSink{err: errors.New("sheet down")}
	mail := &stubSink{}
	d := NewDispatcher(sheet, mail)

	delivered := d.Dispatch(context.Background(), &db.DailyLedger{Date: "2026-03-01"})

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, sheet.calls)
	assert.Equal(t, 1, mail.calls)
}

func TestDispatchWithNoSinks(t *testing.T) {
	d := NewDispatcher(nil, nil)
	assert.Equal(t, 0, d.Dispatch(context.Background(), &db.DailyLedger{}))
}

func TestCSVSheetWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "daily.csv")
	sheet := &CSVSheet{Path: path}
	ctx := context.Background()

	require.NoError(t, sheet.Append(ctx, &db.DailyLedger{Date: "2026-03-01", EquityStart: 50000, EquityEnd: 50120, PnL: 120, PnLPct: 0.24, Wins: 2, Losses: 1, TradesCount: 6}))
	require.NoError(t, sheet.Append(ctx, &db.DailyLedger{Date: "2026-03-02", EquityStart: 50120, EquityEnd: 50000, PnL: -120, PnLPct: -0.24, Losses: 1, TradesCount: 2, Halted: true, HaltReason: "drawdown"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "date,"))
	assert.True(t, strings.HasPrefix(lines[1], "2026-03-01,"))
	assert.Contains(t, lines[2], "drawdown")
}
