package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-pkgz/repeater/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ucs200525/panchang-bot/internal/config"
	"github.com/ucs200525/panchang-bot/internal/content"
	"github.com/ucs200525/panchang-bot/internal/dialogue"
	"github.com/ucs200525/panchang-bot/internal/scheduler"
	"github.com/ucs200525/panchang-bot/internal/store"
	"github.com/ucs200525/panchang-bot/internal/telegram"
	"github.com/ucs200525/panchang-bot/internal/timezone"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

type App struct {
	cfg    config.Config
	log    *zap.Logger
	bot    *tgbotapi.BotAPI
	repo   store.Repo
	sched  *scheduler.Scheduler
	router *telegram.Router
	server *telegram.Server
}

// New connects to Telegram and the store and wires every component.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	bot, err := connectBot(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	repo, err := store.OpenSQLite(ctx, store.Options{
		Path:      cfg.DBPath,
		OpTimeout: cfg.StoreTimeout,
		Retry: store.RetryPolicy{
			Attempts: cfg.StoreRetryAttempts,
			Delay:    cfg.StoreRetryDelay,
			MaxDelay: 10 * cfg.StoreRetryDelay,
		},
		Log: log.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("sqlite ready", zap.String("path", cfg.DBPath))

	httpClient := &http.Client{}
	contentClient := content.New(content.Config{
		BaseURL: cfg.ContentURL,
		Timeout: cfg.ContentTimeout,
	}, httpClient, log.Named("content"))

	sender := telegram.NewSender(bot, cfg.SendRate, log.Named("sender"))
	sched := scheduler.New(repo, newResolver(cfg, httpClient, log), contentClient, sender.ForUser,
		log.Named("scheduler"), scheduler.Options{})
	machine := dialogue.New(repo, sched, contentClient, dialogue.NewMemoryStore(cfg.DialogueTTL), log.Named("dialogue"))
	router := telegram.NewRouter(machine, sender, 0, log.Named("telegram"))

	srvCfg := telegram.ServerConfig{Addr: cfg.HTTPAddr, Version: Version}
	var updates telegram.UpdateHandler
	if cfg.RunMode == config.ModeWebhook {
		srvCfg.WebhookPath = cfg.WebhookPath()
		srvCfg.WebhookKey = cfg.WebhookKey
		updates = router
	}
	server := telegram.NewServer(srvCfg, repo, updates, log.Named("http"))

	return &App{
		cfg:    cfg,
		log:    log,
		bot:    bot,
		repo:   repo,
		sched:  sched,
		router: router,
		server: server,
	}, nil
}

// connectBot creates the Bot API client. The constructor calls getMe, so a
// Telegram outage at boot is retried. A rejected token is not.
func connectBot(ctx context.Context, cfg config.Config, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	_ = tgbotapi.SetLogger(botLogger{log: log.Named("tgbotapi").Sugar()})

	var (
		bot       *tgbotapi.BotAPI
		permanent error
	)
	attempt := 0
	err := repeater.NewBackoff(5, time.Second, repeater.WithMaxDelay(30*time.Second)).
		Do(ctx, func() error {
			attempt++
			b, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.BotAPI)
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
				permanent = err
				return nil
			}
			if err != nil {
				log.Warn("telegram connect failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			bot = b
			return nil
		})
	if err == nil {
		err = permanent
	}
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	bot.Debug = false
	log.Info("telegram ready", zap.String("bot", bot.Self.UserName))
	return bot, nil
}

// botLogger routes the Bot API library's own messages (mostly getUpdates
// failures) into zap.
type botLogger struct {
	log *zap.SugaredLogger
}

func (l botLogger) Println(v ...interface{}) { l.log.Warn(v...) }

func (l botLogger) Printf(format string, v ...interface{}) { l.log.Warnf(format, v...) }

// newResolver puts the configured city table in front of GeoNames.
func newResolver(cfg config.Config, client *http.Client, log *zap.Logger) timezone.Resolver {
	var chain timezone.Chain
	if len(cfg.CityTimezones) > 0 {
		chain = append(chain, timezone.Static(cfg.CityTimezones))
	}
	if cfg.GeoNamesUser != "" {
		chain = append(chain, timezone.NewGeoNames(timezone.GeoNamesConfig{
			BaseURL:  cfg.GeoNamesURL,
			Username: cfg.GeoNamesUser,
			Timeout:  cfg.ResolveTimeout,
			CacheTTL: cfg.TZCacheTTL,
			Rate:     1,
		}, client, log.Named("geonames")))
	}
	return chain
}

// Run restores scheduled jobs, serves updates until a signal arrives and
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting panchang-bot",
		zap.String("mode", a.cfg.RunMode),
		zap.String("http", a.cfg.HTTPAddr),
		zap.String("version", Version),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telegram.RegisterCommands(a.bot); err != nil {
		a.log.Warn("register commands failed", zap.Error(err))
	}

	n, err := a.sched.InitializeAll(ctx)
	if err != nil {
		a.log.Error("restore jobs failed", zap.Error(err))
	} else {
		a.log.Info("jobs restored", zap.Int("count", n))
	}
	a.sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	if a.cfg.RunMode == config.ModeWebhook {
		if err := a.setWebhook(); err != nil {
			stop()
			_ = g.Wait()
			a.shutdown()
			return err
		}
	} else {
		g.Go(func() error { return a.poll(gctx) })
	}

	err = g.Wait()
	a.log.Info("shutdown signal received")
	a.shutdown()
	return err
}

// setWebhook registers the public URL together with the secret token Telegram
// echoes back on every call. WebhookConfig has no field for the token, so the
// request is built by hand.
func (a *App) setWebhook() error {
	if _, err := url.ParseRequestURI(a.cfg.WebhookURL); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}
	params := tgbotapi.Params{"url": a.cfg.WebhookURL}
	params.AddNonEmpty("secret_token", a.cfg.WebhookKey)
	if _, err := a.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	a.log.Info("webhook set", zap.String("path", a.cfg.WebhookPath()))
	return nil
}

func (a *App) poll(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered
	if _, err := a.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		a.log.Warn("delete webhook failed", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updCh := a.bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-updCh:
			if !ok {
				return nil
			}
			a.router.HandleUpdate(ctx, upd)
		}
	}
}

// shutdown drains queued updates while the scheduler still accepts jobs, then
// stops the scheduler and closes the store.
func (a *App) shutdown() {
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.router.Close()
	if err := a.sched.Shutdown(shCtx); err != nil {
		a.log.Warn("scheduler shutdown error", zap.Error(err))
	}
	if err := a.repo.Close(); err != nil {
		a.log.Warn("store close error", zap.Error(err))
	}
	a.log.Info("stopped")
}
