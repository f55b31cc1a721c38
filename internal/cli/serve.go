package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/KafClaw/KafPage/internal/ackapi"
	"github.com/KafClaw/KafPage/internal/bus"
	"github.com/KafClaw/KafPage/internal/events"
	"github.com/KafClaw/KafPage/internal/intake"
	"github.com/KafClaw/KafPage/internal/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intake listener, escalation driver and ack API",
	RunE:  runServe,
}

var serveSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printHeader(cmd.OutOrStdout(), "📟 KafPage Serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), serveSignals...)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	m := metrics.New()
	eventBus := bus.NewEventBus(256)
	eventBus.Subscribe(bus.AllTypes, m.Observe)
	if cfg.Events.Enabled {
		pub := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		defer pub.Close()
		eventBus.Subscribe(bus.AllTypes, pub.Handle)
		slog.Info("Publishing page events", "topic", cfg.Events.Topic)
	}

	dispatcher, err := rt.notifier()
	if err != nil {
		return err
	}
	drv := rt.driver(dispatcher, eventBus)
	api := ackapi.New(rt.pages, ackapi.Options{
		Events:   eventBus,
		Metrics:  m.Handler(),
		APIToken: cfg.Ack.APIToken,
	})

	var listener *intake.Listener
	if cfg.Intake.Enabled {
		source, err := rt.bodySource()
		if err != nil {
			return err
		}
		consumer := intake.NewKafkaConsumer(cfg.Intake.Brokers, cfg.Intake.ConsumerGroup, cfg.Intake.Topic)
		listener = intake.NewListener(consumer, rt.handler(source, drv, eventBus))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Component stopped", "component", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				stop()
			}
		}()
	}

	run("bus", eventBus.Dispatch)
	run("driver", drv.Run)
	run("ackapi", func(ctx context.Context) error {
		return api.ListenAndServe(ctx, cfg.Ack.ListenAddr)
	})
	if listener != nil {
		run("intake", listener.Run)
		slog.Info("Intake listener started", "topic", cfg.Intake.Topic, "group", cfg.Intake.ConsumerGroup)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Ack API: http://%s  (links: %s/<id>)\n", cfg.Ack.ListenAddr, cfg.Ack.BaseURL)
	<-ctx.Done()
	slog.Info("Shutting down")
	wg.Wait()
	eventBus.Drain()
	return errors.Join(errs...)
}
