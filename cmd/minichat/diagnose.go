package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"minichat/internal/config"
	"minichat/internal/queue"
	"minichat/internal/repository"
)

const diagnoseTimeout = 5 * time.Second

func diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Report the effective queue wiring and dependency reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), diagnoseTimeout)
			defer cancel()
			report := runDiagnose(ctx, cfg, defaultProbes())
			writeDiagnose(cmd.OutOrStdout(), cfg, report)
			logger.Debug("diagnose finished", "queue_state", report.queueState)
			return nil
		},
	}
}

type probes struct {
	rabbit   func(ctx context.Context, cfg config.Config) (messages, consumers int, err error)
	postgres func(ctx context.Context, cfg config.Config) error
}

func defaultProbes() probes {
	return probes{
		rabbit: func(_ context.Context, cfg config.Config) (int, int, error) {
			q, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.MainQueueName, nil)
			if err != nil {
				return 0, 0, err
			}
			defer q.Close()
			return q.Stats()
		},
		postgres: func(ctx context.Context, cfg config.Config) error {
			_, pool, err := repository.OpenDirectory(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			pool.Close()
			return nil
		},
	}
}

type diagnoseReport struct {
	rabbit     string
	postgres   string
	queueState string
}

func runDiagnose(ctx context.Context, cfg config.Config, p probes) diagnoseReport {
	r := diagnoseReport{rabbit: "n/a (memory backend)", postgres: "not configured"}
	rabbitOK := true
	if cfg.Queue.Backend == config.BackendRabbitMQ {
		messages, consumers, err := p.rabbit(ctx, cfg)
		if err != nil {
			rabbitOK = false
			r.rabbit = fmt.Sprintf("UNREACHABLE (%s)", err)
		} else {
			r.rabbit = fmt.Sprintf("OK (%d ready, %d consumers)", messages, consumers)
		}
	}
	if cfg.PostgresDSN != "" {
		if err := p.postgres(ctx, cfg); err != nil {
			r.postgres = fmt.Sprintf("UNREACHABLE (%s)", err)
		} else {
			r.postgres = "OK"
		}
	}

	switch {
	case !cfg.Queue.ProducerEnabled:
		r.queueState = "DISABLED (producer off, inbound messages are stored but not dispatched)"
	case !rabbitOK:
		r.queueState = "UNAVAILABLE (rabbitmq unreachable)"
	case !cfg.Queue.ListenerEnabled:
		r.queueState = "PRODUCE ONLY (listener off, another process must consume)"
	default:
		r.queueState = "ACTIVE (messages are delayed and the listener is running)"
	}
	return r
}

func writeDiagnose(w io.Writer, cfg config.Config, r diagnoseReport) {
	fmt.Fprintln(w, "minichat diagnose")
	fmt.Fprintf(w, "  %-18s %s\n", "Version:", Version)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Queue:")
	fmt.Fprintf(w, "    %-16s %t\n", "Producer:", cfg.Queue.ProducerEnabled)
	fmt.Fprintf(w, "    %-16s %t\n", "Listener:", cfg.Queue.ListenerEnabled)
	fmt.Fprintf(w, "    %-16s %s\n", "Backend:", cfg.Queue.Backend)
	fmt.Fprintf(w, "    %-16s %s\n", "Main queue:", cfg.Queue.MainQueueName)
	fmt.Fprintf(w, "    %-16s %s\n", "Delay:", cfg.Queue.Delay())
	fmt.Fprintf(w, "    %-16s %d\n", "History cap:", cfg.Queue.ConversationMaxMessages)
	fmt.Fprintf(w, "    %-16s %s\n", "RabbitMQ:", r.rabbit)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Dependencies:")
	fmt.Fprintf(w, "    %-16s %s\n", "Store:", cfg.Store.Backend)
	fmt.Fprintf(w, "    %-16s %s\n", "Postgres:", r.postgres)
	fmt.Fprintf(w, "    %-16s %s\n", "Processor:", cfg.Processor)
	fmt.Fprintf(w, "    %-16s %s\n", "AI Core:", cfg.AICore.BaseURL)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  => Webhook queue: %s\n", r.queueState)
}
