package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	pipelinecmd "signalpipeline/cmd/pipeline"
	"signalpipeline/src/alerts"
	"signalpipeline/src/audit"
	"signalpipeline/src/database"
	"signalpipeline/src/repository"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Signalpipeline CMD"
	app.Usage = "The signal pipeline command line interface"

	app.Commands = []cli.Command{
		pipelineCMD,
		verifyAuditCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	pipelineCMD = cli.Command{
		Name:        "pipeline",
		Usage:       "run the trading pipeline",
		Action:      pipelineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the signal-to-execution pipeline`,
	}
	verifyAuditCMD = cli.Command{
		Name:        "verify-audit",
		Usage:       "verify the audit chain",
		Action:      verifyAuditAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Walk the audit ledger and verify every hash link`,
	}
)

func pipelineAction(_ *cli.Context) error {
	logrus.Info("Starting pipeline CMD")

	p := &pipelinecmd.Pipeline{}
	if err := p.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func verifyAuditAction(_ *cli.Context) error {
	logrus.Info("Starting audit verification CMD")

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	ledger := audit.NewLedger(repository.NewAuditRepository())
	result, err := ledger.Verify(context.Background())
	if err != nil {
		logrus.WithError(err).Error("Audit verification failed")
		return err
	}

	if result.BrokenAt != nil {
		logrus.WithFields(logrus.Fields{
			"records":   result.Records,
			"broken_at": *result.BrokenAt,
		}).Error("Audit chain is BROKEN")

		dispatchers := []alerts.Dispatcher{alerts.LogDispatcher{}}
		if url := pipelinecmd.GetConfig().AlertWebhookURL; url != "" {
			dispatchers = append(dispatchers, alerts.NewWebhookDispatcher(url))
		}
		alerts.NewAlerter(0, dispatchers...).Send(context.Background(), alerts.Event{
			Name:     alerts.AlertAuditChainBroken,
			Severity: alerts.SeverityCritical,
			Message:  fmt.Sprintf("audit chain broken at seq %d", *result.BrokenAt),
			DedupKey: alerts.AlertAuditChainBroken,
		})

		return fmt.Errorf("audit chain broken at seq %d", *result.BrokenAt)
	}

	logrus.WithField("records", result.Records).Info("Audit chain intact")
	return nil
}
