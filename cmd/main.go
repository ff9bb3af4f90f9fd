package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/config"
	"github.com/pelusa-v/pelusa-chat/internal/contacts"
	"github.com/pelusa-v/pelusa-chat/internal/files"
	"github.com/pelusa-v/pelusa-chat/internal/handlers"
	"github.com/pelusa-v/pelusa-chat/internal/journal"
	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/permission"
	"github.com/pelusa-v/pelusa-chat/internal/presence"
	"github.com/pelusa-v/pelusa-chat/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	jnl, err := journal.Open(journal.Options{Path: cfg.JournalPath, Sync: cfg.JournalSync})
	if err != nil {
		return err
	}
	defer func() {
		if err := jnl.Close(); err != nil {
			jww.ERROR.Printf("%+v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs, err := metrics.NewObserver(reg)
	if err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	loopOpts := []transport.Option{
		transport.WithLatency(cfg.LoopbackLatency),
		transport.WithThroughput(cfg.LoopbackThroughput),
	}
	if cfg.LoopbackFailureRate > 0 {
		loopOpts = append(loopOpts, transport.WithFailureRate(cfg.LoopbackFailureRate, time.Now().UnixNano()))
	}

	session, err := chat.New(chat.Options{
		Transport:        transport.NewLoopback(loopOpts...),
		Recorder:         jnl,
		Observer:         obs,
		AvatarBase:       cfg.AvatarBase,
		PresenceFallback: cfg.PresenceFallback,
		SubmitTimeout:    cfg.SubmitTimeout,
		EventBuffer:      cfg.EventBuffer,
	})
	if err != nil {
		return err
	}
	state, err := jnl.Load()
	if err != nil {
		return err
	}
	if err := session.Restore(state); err != nil {
		return err
	}

	contactsPerm, err := permission.ParseStatus(cfg.ContactsPermission)
	if err != nil {
		return err
	}
	filesPerm, err := permission.ParseStatus(cfg.FilesPermission)
	if err != nil {
		return err
	}
	feed := presence.NewFeed(0)
	h := &handlers.Handler{
		Session:  session,
		Contacts: contacts.NewDirectory(cfg.ContactsFile, permission.StaticPrompter(contactsPerm)),
		Files:    files.NewStore(cfg.FilesDir, cfg.FilesBaseURL, permission.StaticPrompter(filesPerm)),
		Presence: feed,
	}
	if cfg.SendRate > 0 {
		h.Limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Static("/files", cfg.FilesDir)
	app.Static("/", cfg.StaticDir)
	app.Get("/metrics", metrics.Handler(reg))
	h.Register(app)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jww.INFO.Printf("listening on %s", cfg.Addr)
		return app.Listen(cfg.Addr)
	})
	g.Go(func() error {
		return session.Run(gctx, feed)
	})
	g.Go(func() error {
		<-gctx.Done()
		feed.Close()
		return app.Shutdown()
	})
	if cfg.JournalCompactCron != "" {
		g.Go(func() error {
			compactLoop(gctx, jnl, cfg.JournalCompactCron)
			return nil
		})
	}

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := session.Close(closeCtx); cerr != nil {
		jww.WARN.Printf("sends still in flight at shutdown: %v", cerr)
	}
	return err
}

// compactLoop compacts the journal on every tick of the cron expression.
func compactLoop(ctx context.Context, jnl *journal.Journal, expr string) {
	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			jww.ERROR.Printf("[Journal] bad compaction schedule %q: %v", expr, err)
			return
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := jnl.Compact(); err != nil {
			jww.ERROR.Printf("%+v", err)
		}
	}
}
