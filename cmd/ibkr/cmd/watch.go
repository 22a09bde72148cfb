package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/l4z41/ibkr-connector/internal/database"
	"github.com/l4z41/ibkr-connector/internal/journal"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
	"github.com/l4z41/ibkr-connector/internal/status"
	"github.com/l4z41/ibkr-connector/internal/trigger"
)

var (
	watchTriggerOn string
	watchMinChange float64
	watchInterval  time.Duration
	watchQuiet     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [SYMBOL]",
	Short: "Stream coalesced quote updates for a contract",
	Long: `watch subscribes to market data for one contract and emits at most one
record per update interval, filtered by the trigger policy:

  all          every update
  priceChange  last price moved by at least --min-change percent
  bidAsk       bid or ask changed

Emissions go to stdout and to every journal sink enabled in the config.
The subscription survives gateway reconnects until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	addContractFlags(watchCmd)
	watchCmd.Flags().StringVar(&watchTriggerOn, "trigger-on", "", "all, priceChange or bidAsk (overrides config)")
	watchCmd.Flags().Float64Var(&watchMinChange, "min-change", 0, "minimum price change percent (overrides config)")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "update interval (overrides config)")
	watchCmd.Flags().BoolVar(&watchQuiet, "quiet", false, "do not print emissions to stdout")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := applyWatchFlags(cmd, args); err != nil {
		return err
	}
	ctx := cmd.Context()

	counters := &observe.Counters{}
	obs := observe.Multi{observe.NewLogObserver(logger), counters}
	conn := newConnection(obs)

	sink, recent, err := openSinks(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("close journal", "error", err)
		}
	}()

	trig := trigger.New(cfg.TriggerConfig(), conn, obs, logger)
	if err := trig.Start(ctx); err != nil {
		return err
	}
	defer trig.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := journal.Pump(gctx, trig.Emissions(), sink, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Status.Enabled {
		srv := status.NewServer(cfg.Status.Addr, status.Sources{
			Conn:     conn,
			Trigger:  trig,
			Counters: counters,
			Recent:   recent,
		}, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	stats := trig.Stats()
	logger.Info("watch stopped",
		"updates", stats.Updates,
		"emitted", stats.Emitted,
		"dropped", stats.Dropped,
		"subscribes", stats.Subscribes,
	)
	return err
}

func applyWatchFlags(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if len(args) == 1 {
		cfg.Trigger.Symbol = args[0]
	}
	if flags.Changed("sec-type") {
		cfg.Trigger.SecType = contractSecType
	}
	if flags.Changed("exchange") {
		cfg.Trigger.Exchange = contractExchange
	}
	if flags.Changed("currency") {
		cfg.Trigger.Currency = contractCurrency
	}
	if flags.Changed("trigger-on") {
		cfg.Trigger.TriggerOn = watchTriggerOn
	}
	if flags.Changed("min-change") {
		cfg.Trigger.MinPriceChange = watchMinChange
	}
	if flags.Changed("interval") {
		cfg.Trigger.UpdateInterval = watchInterval
	}
	return cfg.ValidateWatch()
}

// openSinks opens every enabled journal sink. The returned RecentSource is
// the SQLite journal when enabled, else nil.
func openSinks(ctx context.Context, stdout io.Writer) (journal.Fanout, status.RecentSource, error) {
	var (
		sinks  journal.Fanout
		recent status.RecentSource
	)
	fail := func(err error) (journal.Fanout, status.RecentSource, error) {
		_ = sinks.Close()
		return nil, nil, err
	}

	if !watchQuiet {
		sinks = append(sinks, &stdoutSink{w: stdout})
	}

	jc := cfg.Journal
	if jc.Postgres.Enabled {
		pool, err := database.Connect(ctx, jc.Postgres.DB)
		if err != nil {
			return fail(fmt.Errorf("connect journal database: %w", err))
		}
		if jc.Postgres.CreateSchema {
			if err := journal.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return fail(err)
			}
		}
		w := journal.NewPostgresWriter(cfg.WriterConfig(), pool, logger)
		if err := w.Start(ctx); err != nil {
			pool.Close()
			return fail(err)
		}
		sinks = append(sinks, &pooledWriter{PostgresWriter: w, closePool: pool.Close})
		logger.Info("journal postgres enabled", "host", jc.Postgres.DB.Host, "database", jc.Postgres.DB.Name)
	}
	if jc.SQLite.Enabled {
		s, err := journal.OpenSQLite(jc.SQLite.Path)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
		recent = s
		logger.Info("journal sqlite enabled", "path", jc.SQLite.Path)
	}
	if jc.Kafka.Enabled {
		p, err := journal.NewKafkaPublisher(cfg.KafkaConfig())
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, p)
		logger.Info("journal kafka enabled", "brokers", jc.Kafka.Brokers, "topic", jc.Kafka.Topic)
	}
	if jc.Redis.Enabled {
		p, err := journal.NewRedisPublisher(cfg.RedisConfig())
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, p)
		logger.Info("journal redis enabled", "addr", jc.Redis.Addr, "channel", jc.Redis.Channel)
	}
	return sinks, recent, nil
}

// pooledWriter closes the pool after the writer's final flush.
type pooledWriter struct {
	*journal.PostgresWriter
	closePool func()
}

func (p *pooledWriter) Close() error {
	err := p.PostgresWriter.Close()
	p.closePool()
	return err
}

// stdoutSink prints each emission as one JSON line.
type stdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *stdoutSink) Write(_ context.Context, em model.Emission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.w).Encode(em.Map())
}

func (s *stdoutSink) Close() error { return nil }
