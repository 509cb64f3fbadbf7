package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"coinpilot/pkg/db"
)

// SheetAppender persists a ledger row to a tabular sink.
type SheetAppender interface {
	Append(ctx context.Context, row *db.DailyLedger) error
}

// MailNotifier sends the daily summary.
type MailNotifier interface {
	Send(ctx context.Context, row *db.DailyLedger) error
}

// Dispatcher fans a ledger row out to the configured sinks. Sink failures
// are independent: one failing never suppresses the other, and neither
// fails the report itself.
type Dispatcher struct {
	sheet SheetAppender
	mail  MailNotifier
}

func NewDispatcher(sheet SheetAppender, mail MailNotifier) *Dispatcher {
	return &Dispatcher{sheet: sheet, mail: mail}
}

// Dispatch delivers the row to every configured sink and returns how many
// succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, row *db.DailyLedger) int {
	delivered := 0
	if d.sheet != nil {
		if err := d.sheet.Append(ctx, row); err != nil {
			log.Warn().Err(err).Str("date", row.Date).Msg("sheet append failed")
		} else {
			delivered++
		}
	}
	if d.mail != nil {
		if err := d.mail.Send(ctx, row); err != nil {
			log.Warn().Err(err).Str("date", row.Date).Msg("report mail failed")
		} else {
			delivered++
		}
	}
	return delivered
}

// CSVSheet appends ledger rows to a local CSV file, writing the header on
// first creation.
type CSVSheet struct {
	Path string
}

var csvHeader = []string{"date", "equity_start", "equity_end", "pnl", "pnl_pct", "wins", "losses", "trades", "halted", "halt_reason"}

func (s *CSVSheet) Append(_ context.Context, row *db.DailyLedger) error {
	if s.Path == "" {
		return fmt.Errorf("csv sheet: path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("csv sheet mkdir: %w", err)
	}

	_, statErr := os.Stat(s.Path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv sheet open: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("csv sheet header: %w", err)
		}
	}
	record := []string{
		row.Date,
		formatFloat(row.EquityStart),
		formatFloat(row.EquityEnd),
		formatFloat(row.PnL),
		formatFloat(row.PnLPct),
		strconv.Itoa(row.Wins),
		strconv.Itoa(row.Losses),
		strconv.Itoa(row.TradesCount),
		strconv.FormatBool(row.Halted),
		row.HaltReason,
	}
	if err := w.Write(record); err != nil {
		return fmt.Errorf("csv sheet write: %w", err)
	}
	w.Flush()
	return w.Error()
}

// SMTPMailer sends the summary as plain text over SMTP with AUTH PLAIN.
type SMTPMailer struct {
	Host string
	Port int
	User string
	Pass string
	From string
	To   string
}

func (m *SMTPMailer) Send(_ context.Context, row *db.DailyLedger) error {
	if m.Host == "" || m.To == "" {
		return fmt.Errorf("smtp mailer: host and recipient required")
	}
	port := m.Port
	if port == 0 {
		port = 587
	}

	subject := fmt.Sprintf("Trading report %s: pnl %.0f (%d/%d)", row.Date, row.PnL, row.Wins, row.Losses)
	body := fmt.Sprintf(
		"Date: %s\r\nEquity: %.0f -> %.0f\r\nPnL: %.2f (%.2f%%)\r\nWins/Losses: %d/%d\r\nTrades: %d\r\nHalted: %v %s\r\n",
		row.Date, row.EquityStart, row.EquityEnd, row.PnL, row.PnLPct,
		row.Wins, row.Losses, row.TradesCount, row.Halted, row.HaltReason,
	)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.From, m.To, subject, body)

	addr := fmt.Sprintf("%s:%d", m.Host, port)
	var auth smtp.Auth
	if m.User != "" {
		auth = smtp.PlainAuth("", m.User, m.Pass, m.Host)
	}
	if err := smtp.SendMail(addr, auth, m.From, []string{m.To}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
