package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"linkmonitor/internal/cluster"
	"linkmonitor/internal/config"
	"linkmonitor/internal/events"
	"linkmonitor/internal/gateway"
	"linkmonitor/internal/models"
	"linkmonitor/internal/monitor"
	"linkmonitor/internal/routeros"
	"linkmonitor/internal/server"
	"linkmonitor/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		envFile    = flag.String("env", ".env", "path to an optional .env file")
		addr       = flag.String("addr", "", "address for the web server (overrides server.addr)")
		once       = flag.Bool("once", false, "run a single reconciliation cycle and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := newLogger(cfg.Log)
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := routeros.NewClient(routeros.Config{
		Port:           cfg.Router.Port,
		Username:       cfg.Router.Username,
		Password:       cfg.Router.Password,
		ConnectTimeout: cfg.Router.ConnectTimeout(),
		QueryTimeout:   cfg.Router.QueryTimeout(),
		PingCount:      cfg.Router.PingCount,
		Preflight: routeros.PreflightConfig{
			Enabled:    cfg.Router.Preflight.Enabled,
			Privileged: cfg.Router.Preflight.Privileged,
			Timeout:    time.Duration(cfg.Router.Preflight.TimeoutMillis) * time.Millisecond,
		},
	}, log)

	strategy, err := monitor.StrategyFor(cfg.Evaluator.Mode, client.PingCount())
	if err != nil {
		log.WithError(err).Fatal("select evaluator strategy")
	}
	evaluator := monitor.NewEvaluator(monitor.RouterOSDialer(client), strategy, log)

	gw, closeGateway, err := openGateway(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open ticket gateway")
	}
	defer closeGateway()

	var locker cluster.Locker
	if cfg.Lock.RedisAddr != "" {
		rdb := cluster.NewRedisClient(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
		defer rdb.Close()
		redisLocker := cluster.NewRedisLocker(rdb)
		if err := redisLocker.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis not reachable yet, cycles fail until it is")
		}
		locker = redisLocker
	}
	guard := cluster.NewGuard(locker, cfg.Lock.Key, time.Duration(cfg.Lock.TTLMinutes)*time.Minute, log)

	reports, err := storage.NewReportLog(cfg.Scheduler.ReportsPath, 0, log)
	if err != nil {
		log.WithError(err).Fatal("open cycle report log")
	}
	hub := server.NewHub(log)
	sinks := events.Multi{reports, hub}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Events.MQTT.Enabled {
		mqttCfg := events.MQTTConfig{
			Broker:      cfg.Events.MQTT.Broker,
			ClientID:    cfg.Events.MQTT.ClientID,
			Username:    cfg.Events.MQTT.Username,
			Password:    cfg.Events.MQTT.Password,
			TicketTopic: cfg.Events.MQTT.TicketTopic,
			CycleTopic:  cfg.Events.MQTT.CycleTopic,
			QoS:         cfg.Events.MQTT.QoS,
		}
		mc, err := events.ConnectMQTT(mqttCfg)
		if err != nil {
			log.WithError(err).Warn("mqtt disabled")
		} else {
			defer mc.Disconnect(250)
			publisher := events.NewMQTTPublisher(mc, mqttCfg, log)
			sinks = append(sinks, publisher)
			g.Go(func() error {
				publisher.Run(gctx)
				return nil
			})
		}
	}

	scheduler := monitor.NewScheduler(monitor.SchedulerConfig{
		Interval:   cfg.Scheduler.Interval(),
		Pacing:     cfg.Scheduler.Pacing(),
		RunOnStart: cfg.Scheduler.RunOnStart,
		Validate:   cfg.ValidateRouter,
	}, gw, evaluator, guard, sinks, log)

	if *once {
		report, err := scheduler.RunCycle(ctx, models.TriggerManual)
		if err != nil {
			log.WithError(err).Fatal("cycle failed")
		}
		fmt.Printf("cycle %s: processed=%d updated=%d skipped=%d errors=%d\n",
			report.ID, report.Processed, report.Updated, report.Skipped, report.Errors)
		return
	}

	srv := server.New(server.Options{
		Addr:      cfg.Server.Addr,
		APIKey:    cfg.Server.APIKey,
		Scheduler: scheduler,
		Checker:   evaluator,
		Reports:   reports,
		Hub:       hub,
		Log:       log,
	})
	if cfg.Server.APIKey == "" {
		log.Warn("server.api_key is empty, authenticated endpoints will reject every request")
	}

	scheduler.Start()

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":     cfg.Server.Addr,
			"mode":     strategy.Name(),
			"gateway":  cfg.Gateway.Driver,
			"interval": cfg.Scheduler.Interval().String(),
		}).Info("linkmonitor listening")
		return srv.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

func openGateway(ctx context.Context, cfg config.Config, log *logrus.Entry) (gateway.TicketGateway, func(), error) {
	switch cfg.Gateway.Driver {
	case config.DriverREST:
		gw, err := gateway.NewREST(gateway.RESTConfig{
			BaseURL: cfg.Gateway.REST.BaseURL,
			Token:   cfg.Gateway.REST.Token,
			Timeout: time.Duration(cfg.Gateway.REST.TimeoutSeconds) * time.Second,
			States:  cfg.Gateway.States,
		}, log)
		return gw, func() {}, err
	case config.DriverMongo:
		gw, err := storage.ConnectMongo(ctx, cfg.Gateway.Mongo.URI, cfg.Gateway.Mongo.Database, cfg.Gateway.Mongo.Collection, cfg.Gateway.States)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := gw.Close(closeCtx); err != nil {
				log.WithError(err).Warn("disconnect mongo")
			}
		}, nil
	default:
		gw, err := storage.NewFileGateway(cfg.Gateway.File.Path, cfg.Gateway.States)
		return gw, func() {}, err
	}
}

func newLogger(cfg config.Log) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
