package main

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/soft_phone/pkg/config"
	"github.com/arzzra/soft_phone/pkg/dialplan"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/spf13/cobra"
)

func newNormalizeCmd() *cobra.Command {
	var (
		country string
		domain  string
	)
	cmd := &cobra.Command{
		Use:   "normalize <номер>",
		Short: "Показать каноническую и набираемую форму номера",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan := dialplan.Plan{CountryID: country, Domain: domain}
			dest, err := plan.Resolve(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "канонический: %s\n", dest.Canonical)
			fmt.Fprintf(out, "класс:        %s\n", dest.Kind)
			fmt.Fprintf(out, "набираемый:   %s\n", dest.Dialable)
			fmt.Fprintf(out, "адрес:        %s\n", dest.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&country, "country", "55", "код страны без +")
	cmd.Flags().StringVar(&domain, "domain", "localhost", "SIP домен для адреса назначения")
	return cmd
}

// newLeaseCmd однократная аренда линии для проверки сервиса и пула
func newLeaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lease",
		Short: "Получить линию один раз и показать её источник",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			store, closeStore, err := openCursorStore(cmd.Context(), cfg.Cursor)
			if err != nil {
				return err
			}
			defer closeStore()

			manager := lease.NewManager(cfg.LeaseManager(),
				lease.WithStore(store),
				lease.WithLogger(logger))

			ctx, cancel := contextWithTimeout(cmd, cfg.Phone.AcquireTimeout)
			defer cancel()
			l, err := manager.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("получение линии: %w", err)
			}

			logger.Debug("линия получена", slog.String("extension", l.Identity.Extension))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "линия:     %s\n", l.Identity.Extension)
			fmt.Fprintf(out, "источник:  %s\n", l.Source)
			fmt.Fprintf(out, "транспорт: %s\n", l.Identity.TransportAddress)
			return nil
		},
	}
}
