package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/pubsub"
	"github.com/go-conductor/conductor/saga"
	"github.com/go-conductor/conductor/saga/api"
	"github.com/go-conductor/conductor/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// A small money-transfer demo: reserveFunds then chargeCard, with funds
// reservation rolled back when charging fails.

func main() {
	var (
		driver  = flag.String("driver", "mysql", "sql driver, mysql or pgx")
		dsn     = flag.String("dsn", "root:root@tcp(127.0.0.1:3306)/conductor", "database dsn")
		amqpURL = flag.String("amqp", "", "optional amqp url to mirror bus envelopes to")
		addr    = flag.String("addr", ":8080", "http listen address")
	)
	flag.Parse()

	logger := log.DefaultLogger(os.Stdout)

	db, err := sql.Open(*driver, *dsn)
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}
	defer db.Close()

	storageDriver := storage.MYSQLDriver
	if *driver == "pgx" {
		storageDriver = storage.PGDriver
	}

	bus := pubsub.NewBus(logger)

	if *amqpURL != "" {
		endpoint, err := pubsub.NewAmqpEndpoint(*amqpURL, "conductor", logger)
		if err != nil {
			logger.Log(log.FatalLevel, err)
		}
		defer endpoint.Close()

		endpoint.Attach(bus)
	}

	if _, err := eventstore.NewSQLStore(db, storageDriver, bus, logger); err != nil {
		logger.Log(log.FatalLevel, err)
	}

	sagaStore, err := saga.NewSQLStore(db, storageDriver)
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	registry := saga.NewRegistry()

	must(logger, registry.RegisterHandler("reserveFunds", &reserveFundsHandler{logger: logger}))
	must(logger, registry.RegisterHandler("chargeCard", &chargeCardHandler{logger: logger}))
	must(logger, registry.RegisterDefinition(saga.Definition{
		ID:      "money-transfer",
		Version: 1,
		Steps: []saga.Step{
			{
				ID:          "reserveFunds",
				Name:        "Reserve funds",
				Action:      "reserveFunds",
				Payload:     map[string]interface{}{"account_id": "acc-1", "amount": 42.5},
				Timeout:     time.Second * 10,
				MaxRetries:  2,
				Compensable: true,
			},
			{
				ID:         "chargeCard",
				Name:       "Charge card",
				Action:     "chargeCard",
				DependsOn:  []string{"reserveFunds"},
				Payload:    map[string]interface{}{"card": "demo"},
				Timeout:    time.Second * 10,
				MaxRetries: 2,
			},
		},
	}))

	orchestrator := saga.NewOrchestrator(sagaStore, registry, bus, logger)
	orchestrator.Start()
	defer orchestrator.Stop()

	monitor := saga.NewMonitor(sagaStore, orchestrator, bus, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(monitor.Collectors()...)

	if err := monitor.Start(); err != nil {
		logger.Log(log.FatalLevel, err)
	}
	defer monitor.Stop()

	if err := orchestrator.RecoverInflight(context.Background()); err != nil {
		logger.Logf(log.ErrorLevel, "recovering in-flight sagas: %s", err)
	}

	mux := http.NewServeMux()
	api.NewSagaHandler(logger, api.NewSagaService(sagaStore, registry, orchestrator)).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		logger.Logf(log.InfoLevel, "listening on %s", *addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log(log.FatalLevel, err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logf(log.ErrorLevel, "shutting down http server: %s", err)
	}
}

func must(logger log.Logger, err error) {
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}
}

type reserveFundsHandler struct {
	logger log.Logger
}

type reservePayload struct {
	AccountID string  `json:"account_id"`
	Amount    float64 `json:"amount"`
}

func (h *reserveFundsHandler) Execute(_ context.Context, payload map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	var p reservePayload
	if err := saga.DecodePayload(payload, &p); err != nil {
		return nil, err
	}

	h.logger.Logf(log.InfoLevel, "reserved %.2f on account %s", p.Amount, p.AccountID)

	return map[string]interface{}{"reservation_id": "res-" + p.AccountID}, nil
}

func (h *reserveFundsHandler) Compensate(_ context.Context, result interface{}, _ map[string]interface{}) error {
	h.logger.Logf(log.InfoLevel, "released reservation %v", result)
	return nil
}

type chargeCardHandler struct {
	logger log.Logger
}

func (h *chargeCardHandler) Execute(_ context.Context, _ map[string]interface{}, sagaCtx map[string]interface{}) (interface{}, error) {
	h.logger.Logf(log.InfoLevel, "charging card with reservation %v", sagaCtx["reserveFunds"])

	return map[string]interface{}{"charged": true}, nil
}

func (h *chargeCardHandler) Validate(payload map[string]interface{}) bool {
	return payload != nil
}
