package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailbridge-io/mailbridge/internal/config"
	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/email/inbound/connector"
	"github.com/mailbridge-io/mailbridge/internal/email/inbound/postmaster"
	"github.com/mailbridge-io/mailbridge/internal/email/outbound"
	"github.com/mailbridge-io/mailbridge/internal/logger"
	"github.com/mailbridge-io/mailbridge/internal/models"
	"github.com/mailbridge-io/mailbridge/internal/repository"
	"github.com/mailbridge-io/mailbridge/internal/runner"
	"github.com/mailbridge-io/mailbridge/internal/service"
	"github.com/mailbridge-io/mailbridge/internal/template"
	"github.com/mailbridge-io/mailbridge/internal/ticketnumber"
)

var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailbridge",
	Short: "MailBridge turns inbound support mail into tickets",
	Long: `MailBridge polls a support mailbox, correlates each email to an
existing ticket or allocates a new one, and confirms new tickets back to
the requester.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inbound processing loop",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailbridge %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	items := repository.NewItemRepository(db)
	tickets := repository.NewTicketRepository(db)
	queues := repository.NewQueueRepository(db)
	supporters := repository.NewSupporterRepository(db)

	generator := ticketnumber.NewPrefixIncrement(ticketnumber.NewDBStore(db.Driver(), ""))
	allocator := service.NewTicketAllocator(queues, tickets, supporters, generator, log)

	renderer := template.NewRenderer(cfg.Templates.Path)
	sender := outbound.NewSMTPSender(cfg.Mail.Outbound)
	confirmer := outbound.NewConfirmationDispatcher(
		db, items, tickets, renderer, sender,
		cfg.Mail.Outbound, cfg.Company,
		outbound.WithDispatcherLogger(log),
	)

	processor := postmaster.NewProcessor(
		db,
		postmaster.NewParser(postmaster.WithParserLogger(log)),
		postmaster.NewThreadResolver(items, tickets, log),
		items,
		allocator,
		postmaster.WithProcessorLogger(log),
		postmaster.WithProcessorConfirmer(confirmer),
	)

	account := connector.Account{
		Type:            cfg.Mail.Inbound.Type,
		Host:            cfg.Mail.Inbound.Host,
		Port:            cfg.Mail.Inbound.Port,
		Username:        cfg.Mail.Inbound.Username,
		Password:        []byte(cfg.Mail.Inbound.Password),
		Folder:          cfg.Mail.Inbound.Folder,
		DeleteOnSuccess: cfg.Mail.Inbound.DeleteOnSuccess,
		BatchLimit:      cfg.Processing.BatchLimit,
	}

	factory := connector.DefaultFactory(
		connector.WithFetcher(connector.NewIMAPFetcher(connector.WithIMAPLogger(log)), "imap", "imaps"),
		connector.WithFetcher(connector.NewPOP3Fetcher(connector.WithPOP3Logger(log)), "pop3", "pop3s"),
	)

	log.Info("mailbridge starting",
		"version", version,
		"database", cfg.Database.Driver,
		"inbound", cfg.Mail.Inbound.Type)

	loop := runner.NewLoop(factory, account, processor, cfg.Processing, runner.WithLoopLogger(log))
	return loop.Run(ctx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := seedStatuses(ctx, db, log); err != nil {
		return err
	}
	log.Info("schema applied", "database", cfg.Database.Driver)
	return nil
}

// seedStatuses registers the status names the core writes, mapped onto
// their base lifecycle buckets. Existing definitions are left untouched.
func seedStatuses(ctx context.Context, db *database.DB, log *slog.Logger) error {
	statuses := repository.NewStatusRepository(db)
	defaults := []struct {
		name string
		base models.BaseStatus
	}{
		{models.StatusNew, models.BaseOpen},
		{"In Progress", models.BaseDoing},
		{"Waiting on Customer", models.BaseWaiting},
		{models.StatusClosed, models.BaseClosed},
	}
	for _, def := range defaults {
		_, err := statuses.BaseStatusFor(ctx, db, def.name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if _, err := statuses.Create(ctx, db, def.name, def.base, nil); err != nil {
			return err
		}
		log.Info("status registered", "name", def.name, "base", def.base)
	}
	return nil
}
