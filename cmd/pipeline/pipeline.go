package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"signalpipeline/src/alerts"
	"signalpipeline/src/audit"
	"signalpipeline/src/breaker"
	"signalpipeline/src/config"
	"signalpipeline/src/connectors"
	"signalpipeline/src/database"
	"signalpipeline/src/feedback"
	"signalpipeline/src/fusion"
	"signalpipeline/src/guard"
	"signalpipeline/src/lifecycle"
	"signalpipeline/src/model"
	"signalpipeline/src/normalizer"
	"signalpipeline/src/pipeline"
	"signalpipeline/src/regime"
	"signalpipeline/src/repository"
	"signalpipeline/src/risk"
	"signalpipeline/src/router"
	"signalpipeline/src/security"
	"signalpipeline/src/server"
	"signalpipeline/src/sizer"
)

// Pipeline is the long-running trading pipeline command.
type Pipeline struct{}

// Start wires every component and runs until SIGINT/SIGTERM.
func (p *Pipeline) Start() error {
	cmdCfg := GetConfig()
	env := config.GetEnv()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	store := config.NewStore(env.ConfigFile)
	if err := store.Reload(); err != nil {
		logrus.WithError(err).Fatal("Invalid pipeline config file")
		return err
	}

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}
	if err := database.InitReadOnlyDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to read-only database")
		return err
	}

	signalRepo := repository.NewSignalRepository()
	orderRepo := repository.NewOrderRepository()
	positionRepo := repository.NewPositionRepository()
	weightRepo := repository.NewWeightSnapshotRepository()
	decisionRepo := repository.NewDecisionRepository()
	outcomeRepo := repository.NewOutcomeRepository()
	auditRepo := repository.NewAuditRepository()
	breakerRepo := repository.NewBreakerEventRepository()

	ledger := audit.NewLedger(auditRepo)

	latest, err := weightRepo.Latest(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load weight history")
		return err
	}
	weightStore, err := fusion.NewWeightStoreFromSnapshot(latest)
	if err != nil {
		logrus.WithError(err).Fatal("Corrupt weight snapshot")
		return err
	}
	if latest == nil {
		weightStore.Publish(fusion.WeightSet{
			Version: 1,
			Weights: store.Current().Fusion.DefaultWeights,
		})
	}

	// Market data: websocket stream with exchange REST fallback.
	connCfg := connectors.GetConfig()
	stream := connectors.NewQuoteStream(connCfg.QuoteStreamURL, cmdCfg.Symbols())
	go stream.Run(ctx)
	md := connectors.NewMarketData(stream, time.Duration(connCfg.QuoteMaxAgeSecs)*time.Second)

	brokers := buildBrokers(cmdCfg, connCfg)
	rt := router.New(brokers, orderRepo, func() config.RouterConfig { return store.Current().Router })

	manager := lifecycle.NewManager(positionRepo, outcomeRepo, orderRepo, rt, md.Price).
		WithPortfolioFeeds(brokers[0].GetAccount, md.ReturnSeries, cmdCfg.Benchmark)
	if err := manager.Restore(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to restore positions")
		return err
	}

	provider := risk.NewProvider(manager)
	gate := risk.NewGate(func() config.RiskConfig { return store.Current().Risk })

	circuit := breaker.NewCircuit(func() config.BreakerConfig { return store.Current().Breaker }, breakerRepo)
	kill := breaker.NewKillSwitch(
		func() config.BreakerConfig { return store.Current().Breaker },
		breakerRepo,
		manager.CloseAll,
	)
	rt.WithHaltCheck(kill.Halted)

	feedbackLoop := feedback.NewLoop(outcomeRepo, weightRepo, weightStore,
		func() config.FeedbackConfig { return store.Current().Feedback })

	manager.OnOutcome(func(o model.TradeOutcome) {
		equity, _ := manager.Equity()
		circuit.RecordOutcome(context.Background(), o.Pnl, equity, manager.DailyDrawdownPct())
	})
	manager.OnOutcome(feedbackLoop.OnOutcome)

	dispatchers := []alerts.Dispatcher{alerts.LogDispatcher{}}
	if cmdCfg.AlertWebhookURL != "" {
		dispatchers = append(dispatchers, alerts.NewWebhookDispatcher(cmdCfg.AlertWebhookURL))
	}
	alerter := alerts.NewAlerter(5*time.Minute, dispatchers...)

	circuit.OnTransition(func(from, to, reason string) {
		if to != breaker.StateOpen {
			return
		}
		alerter.Send(context.Background(), alerts.Event{
			Name:     alerts.AlertBreakerTripped,
			Severity: alerts.SeverityWarning,
			Message:  "circuit breaker opened: " + reason,
			DedupKey: alerts.AlertBreakerTripped,
		})
	})
	kill.OnTransition(func(from, to, reason string) {
		if to != breaker.KillTriggered {
			return
		}
		alerter.Send(context.Background(), alerts.Event{
			Name:     alerts.AlertKillSwitch,
			Severity: alerts.SeverityCritical,
			Message:  "kill switch triggered: " + reason,
			DedupKey: alerts.AlertKillSwitch,
		})
	})
	feedbackLoop.OnPublish(func(version uint, trigger string) {
		alerter.Send(context.Background(), alerts.Event{
			Name:     alerts.AlertWeightsPublished,
			Severity: alerts.SeverityInfo,
			Message:  fmt.Sprintf("fusion weights v%d published (%s)", version, trigger),
			DedupKey: fmt.Sprintf("%s|%d", alerts.AlertWeightsPublished, version),
		})
	})

	sigGuard := guard.New(
		func() time.Duration { return time.Duration(store.Current().Guard.MaxAgeSeconds) * time.Second },
		func() time.Duration { return time.Duration(store.Current().Guard.DedupWindowSeconds) * time.Second },
		guard.WithSpikeAlert(20, time.Minute, func(count int) {
			alerter.Send(context.Background(), alerts.Event{
				Name:     alerts.AlertRejectSpike,
				Severity: alerts.SeverityWarning,
				Message:  "guard rejection spike",
				DedupKey: alerts.AlertRejectSpike,
				Metadata: map[string]interface{}{"rejects": count},
			})
		}),
	)

	fuser := fusion.NewFuser(weightStore, func() float64 { return store.Current().Fusion.DecayLambda })
	regimes := regime.NewRouter(func() map[string]config.RegimeConfig { return store.Current().Regimes })
	selector := regime.NewSelector()

	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Config:     store,
		Signals:    signalRepo,
		Decisions:  decisionRepo,
		Orders:     orderRepo,
		Normalizer: normalizer.New(),
		Guard:      sigGuard,
		Fuser:      fuser,
		Regimes:    regimes,
		Selector:   selector,
		Gate:       gate,
		Provider:   provider,
		Sizer:      sizer.New(func() config.SizingConfig { return store.Current().Sizing }),
		Router:     rt,
		Manager:    manager,
		Circuit:    circuit,
		Kill:       kill,
		Feedback:   feedbackLoop,
		Ledger:     ledger,
		Alerter:    alerter,
		Price:      md.Price,
		Returns:    md.ReturnSeries,
		Benchmark:  cmdCfg.Benchmark,
	})

	go reloadOnSIGHUP(ctx, store)
	go orchestrator.Run(ctx)

	server.StartServer(env.ServerPort, server.State{
		Config:  store,
		Circuit: circuit,
		Kill:    kill,
		Regimes: regimes,
		Weights: weightStore,
		Manager: manager,
		Ledger:  ledger,
	})

	return nil
}

// buildBrokers assembles the venue set. The paper broker is always present;
// signed REST venues join when credentials are configured. An "enc:" prefix
// marks a secret stored encrypted at rest.
func buildBrokers(cmdCfg Config, connCfg connectors.Config) []connectors.BrokerAdapter {
	brokers := []connectors.BrokerAdapter{
		connectors.NewPaperBroker("paper",
			[]string{model.AssetClassEquity, model.AssetClassCrypto, model.AssetClassFractional},
			connCfg.PaperStartingCash),
	}
	if cmdCfg.PaperOnly {
		return brokers
	}

	if connCfg.AlpineAPIKey != "" {
		brokers = append(brokers, connectors.NewRESTBroker(
			"alpine", connCfg.AlpineBaseURL,
			connCfg.AlpineAPIKey, decryptSecret(connCfg.AlpineAPISecret),
			[]string{model.AssetClassEquity, model.AssetClassFractional},
			connCfg.AlpineFeeBps,
		))
	}
	if connCfg.CascadeAPIKey != "" {
		brokers = append(brokers, connectors.NewRESTBroker(
			"cascade", connCfg.CascadeBaseURL,
			connCfg.CascadeAPIKey, decryptSecret(connCfg.CascadeAPISecret),
			[]string{model.AssetClassCrypto},
			connCfg.CascadeFeeBps,
		))
	}

	return brokers
}

func decryptSecret(value string) string {
	if !strings.HasPrefix(value, "enc:") {
		return value
	}
	plain, err := security.DecryptString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to decrypt broker secret")
	}
	return plain
}

func reloadOnSIGHUP(ctx context.Context, store *config.Store) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.Reload(); err != nil {
				logrus.WithError(err).Error("SIGHUP config reload failed, keeping current config")
			}
		}
	}
}
