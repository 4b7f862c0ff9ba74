package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/voxtro/backend/config"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/platform/api"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voxtro",
	Short: "Voxtro backend",
	Long: `Voxtro serves the dashboard and customer portal API for chatbots, voice
assistants and WhatsApp agents, ingests vendor webhooks, and runs the background
jobs for lead extraction, crawling and notifications.

All settings are read from the environment, see the config package.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lambdaAPICmd)
	rootCmd.AddCommand(lambdaSchedulerCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().String("address", "", "overrides the ADDRESS listen address")
	crawlCmd.Flags().Bool("process", true, "process the raised crawl jobs before exiting")
}

// setup loads the configuration, opens the database and assembles the server
func setup(ctx context.Context) (*api.Server, *csql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger.InitLogger(cfg.Level())
	db, err := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, cfg.Schema)
	if err != nil {
		return nil, nil, err
	}
	s, err := api.New(ctx, &api.Builder{Config: cfg, DB: db})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, the job workers and the realtime broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		s, db, err := setup(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer s.Close()
		if address, _ := cmd.Flags().GetString("address"); address != "" {
			s.SetAddress(address)
		}
		err = s.Run(ctx)
		logger.Default().Infoln("stopped")
		return err
	},
}

var lambdaAPICmd = &cobra.Command{
	Use:   "lambda-api",
	Short: "Serve API Gateway proxy events as AWS Lambda",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := setup(context.Background())
		if err != nil {
			return err
		}
		lambda.Start(s.HandleAPIGatewayProxy)
		return nil
	},
}

var lambdaSchedulerCmd = &cobra.Command{
	Use:   "lambda-scheduler",
	Short: "Run the crawl sweep and pending jobs on EventBridge schedule events as AWS Lambda",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := setup(context.Background())
		if err != nil {
			return err
		}
		lambda.Start(s.HandleScheduledEvent)
		return nil
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Raise crawls for all chatbots which are due, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, rlog := logger.ContextWithLogger(context.Background())
		s, db, err := setup(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer s.Close()
		raised, err := s.Crawl.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("raised %d crawls\n", raised)
		if process, _ := cmd.Flags().GetBool("process"); process {
			for s.Jobs.ProcessJobsSync(api.MaxJobTime) {
				rlog.Infoln("more jobs pending, continuing")
			}
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("voxtro", api.Version)
	},
}
