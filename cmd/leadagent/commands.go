package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/lockfile"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/whatsapp"
)

func newSlotsCmd(cfg *Config) *cobra.Command {
	var (
		date    string
		days    int
		icsPath string
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print available meeting slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlots(cmd.Context(), *cfg, cmd.OutOrStdout(), date, days, icsPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&date, "date", "", "first day to search, e.g. 09/06/2025, mañana, próximo lunes")
	f.IntVar(&days, "days", 0, "business days to list (policy display_days when 0)")
	f.StringVar(&icsPath, "ics", "", "also write the slots as an iCalendar file (- for stdout)")
	return cmd
}

func runSlots(ctx context.Context, cfg Config, out io.Writer, date string, days int, icsPath string) error {
	stack, err := buildSchedulingStack(cfg, nil)
	if err != nil {
		return err
	}
	if days <= 0 {
		days = stack.policy.DisplayDays
	}

	start := stack.engine.EarliestStart()
	if date != "" {
		iso, ok := stack.validator.Normalizer().ParseDate(date)
		if !ok {
			return fmt.Errorf("unrecognized date %q", date)
		}
		day, err := time.ParseInLocation(models.DateLayout, iso, stack.policy.Location())
		if err != nil {
			return err
		}
		if day.After(start) {
			start = day
		}
	}

	res, err := stack.engine.Search(ctx, start, days)
	if errors.Is(err, availability.ErrNoAvailability) {
		fmt.Fprintf(out, "No hay horarios disponibles. Escribe a %s.\n", stack.policy.SupportEmail)
		return nil
	}
	if err != nil {
		return err
	}

	if res.FellBack {
		fmt.Fprintf(out, "Sin cupos desde %s; mostrando desde %s.\n",
			datetime.DisplayDate(start), datetime.DisplayDate(res.Start))
	}
	for _, day := range availability.GroupByDate(res.Slots) {
		times := make([]string, 0, len(day.Slots))
		for _, s := range day.Slots {
			times = append(times, s.Time)
		}
		fmt.Fprintf(out, "%s: %s\n", datetime.DisplayDate(day.Slots[0].Start), strings.Join(times, ", "))
	}

	if icsPath == "" {
		return nil
	}
	w := out
	if icsPath != "-" {
		f, err := os.Create(icsPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", icsPath, err)
		}
		defer f.Close()
		w = f
	}
	return calendar.WriteSlotsICS(w, res.Slots, stack.policy.SlotLength(), stack.engine.Now())
}

func newMigrateCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the database, apply the schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(*cfg)
		},
	}
}

func runMigrate(cfg Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir, "migrate")
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("runMigrate: schema is up to date")
	return st.Close()
}

func newWhatsAppLoginCmd(cfg *Config) *cobra.Command {
	var numeric bool
	cmd := &cobra.Command{
		Use:   "whatsapp-login",
		Short: "Pair the whatsmeow device by scanning a QR code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			lock, err := lockfile.Acquire(cfg.StateDir, "whatsapp-login")
			if err != nil {
				return err
			}
			defer lock.Release()

			opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.whatsappDSN())}
			if numeric {
				opts = append(opts, whatsapp.WithNumericCode())
			}
			client, err := whatsapp.NewClient(ctx, opts...)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			err = client.Login(ctx, cmd.OutOrStdout())
			if errors.Is(err, whatsapp.ErrAlreadyPaired) {
				fmt.Fprintln(cmd.OutOrStdout(), "El dispositivo ya está vinculado.")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&numeric, "numeric-code", false, "print the raw pairing code instead of a QR drawing")
	return cmd
}
