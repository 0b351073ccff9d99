package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"claimq/internal/api"
	"claimq/internal/handlers/shell"
	"claimq/internal/handlers/webhook"
	"claimq/internal/queue"
	"claimq/internal/scheduler"
	"claimq/internal/worker"
)

func main() {
	var (
		addr             = flag.String("addr", ":8080", "HTTP bind address")
		dbPath           = flag.String("db", "claimq.db", "SQLite DB path")
		workers          = flag.Int("workers", 8, "number of worker goroutines")
		poll             = flag.Duration("poll", 250*time.Millisecond, "worker poll interval")
		strategyName     = flag.String("strategy", "fifo", "claiming strategy (fifo, lifo, priority, weighted_random, workflow_state)")
		taskTypes        = flag.String("task-types", "", "comma-separated task types to claim (empty means all)")
		heartbeatTimeout = flag.Duration("heartbeat-timeout", 5*time.Minute, "re-queue tasks whose worker was silent this long")
		reapInterval     = flag.Duration("reap-interval", time.Minute, "how often to sweep for dead workers")
		schedulePoll     = flag.Duration("schedule-poll", 15*time.Second, "how often to check for due schedules")
		debug            = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	strat, err := queue.ParseStrategy(*strategyName)
	if err != nil {
		log.Fatal().Err(err).Msg("parse strategy")
	}
	types := splitTaskTypes(*taskTypes)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db)

	// Handlers registry
	handlers := map[string]worker.Handler{
		"shell":   shell.Shell{},
		"webhook": webhook.Webhook{},
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		w := worker.New(repo, handlers, worker.Config{
			TaskTypes:         types,
			Strategy:          strat,
			PollInterval:      *poll,
			HeartbeatInterval: *heartbeatTimeout / 3, // beat well inside the reap timeout
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	// Worker IDs are fresh on every start, so tasks claimed before a crash
	// look abandoned and the reaper's first sweep recovers them.
	reaper := worker.NewReaper(repo, *heartbeatTimeout, *reapInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	sched := scheduler.NewService(repo, *schedulePoll)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(repo, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	wg.Wait()
}

// splitTaskTypes parses the -task-types flag value, tolerating spaces
// around the commas.
func splitTaskTypes(s string) []string {
	var types []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}
