package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-session/internal/api"
	"github.com/whisper/chat-session/internal/config"
	"github.com/whisper/chat-session/internal/conversation"
	"github.com/whisper/chat-session/internal/messaging"
	"github.com/whisper/chat-session/internal/metrics"
	"github.com/whisper/chat-session/internal/notification"
	"github.com/whisper/chat-session/internal/ratelimit"
	"github.com/whisper/chat-session/internal/readstate"
	"github.com/whisper/chat-session/internal/session"
	"github.com/whisper/chat-session/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("SESSIOND_CONFIG"), "path to YAML config file")
	envFile := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	header := http.Header{}
	if cfg.SessionCookie != "" {
		header.Set("Cookie", cfg.SessionCookie)
	}

	log.Printf("Chat session daemon starting")
	log.Printf("  ws_url:          %s", cfg.WSURL)
	log.Printf("  ws_scope:        %s", cfg.WSScope)
	log.Printf("  api_url:         %s", cfg.APIURL)
	log.Printf("  user_id:         %s", cfg.UserID)
	log.Printf("  reconnect:       %s..%s", cfg.ReconnectBase, cfg.ReconnectMax)
	log.Printf("  heartbeat:       %s", cfg.HeartbeatInterval)
	log.Printf("  poll_interval:   %s", cfg.PollInterval)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)

	// --- REST ---
	rest := api.New(api.Config{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout, Header: header})

	// --- Realtime link ---
	tcfg := transport.DefaultConfig()
	tcfg.Backoff.Base = cfg.ReconnectBase
	tcfg.Backoff.Max = cfg.ReconnectMax
	tcfg.MaxAttempts = cfg.ReconnectMaxAttempts
	tcfg.DialTimeout = cfg.RequestTimeout
	tcfg.Heartbeat.Interval = cfg.HeartbeatInterval
	tcfg.Heartbeat.Timeout = cfg.HeartbeatTimeout
	conn := transport.NewConnection(tcfg, transport.WSDialer{
		Header:      header,
		Timeout:     cfg.RequestTimeout,
		PingTimeout: cfg.HeartbeatTimeout,
	})
	endpoint, err := transport.Endpoint(cfg.WSURL, cfg.WSScope)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	link := transport.NewShared(conn, endpoint)

	store := conversation.NewStore()

	// --- Redis (optional) ---
	var readStore *readstate.Store
	if cfg.RedisAddr != "" {
		readStore, err = readstate.NewStore(cfg.RedisAddr)
		if err != nil {
			log.Printf("read-state disabled: %v", err)
		} else {
			seedFromReadState(readStore, store, cfg.UserID)
		}
	}
	seedFromREST(rest, store, cfg.RequestTimeout)

	limiter := ratelimit.Chain{ratelimit.NewLocal(cfg.SendRate, cfg.SendBurst)}
	var quota *ratelimit.Window
	if readStore != nil && cfg.SendQuota > 0 {
		rule := ratelimit.RuleSend
		rule.Limit = cfg.SendQuota
		quota = ratelimit.NewWindow(readStore.Client(), cfg.UserID, rule)
		limiter = append(limiter, quota)
	}

	mgr := session.New(session.Config{
		FetchTimeout: cfg.RequestTimeout,
		SendTimeout:  cfg.RequestTimeout,
		Text:         conversation.TextLimits{MaxChars: cfg.MaxMessageChars},
	}, session.Deps{
		Link:        link,
		History:     rest,
		Poster:      rest,
		Reads:       rest,
		Limiter:     limiter,
		Store:       store,
		CurrentUser: func() string { return cfg.UserID },
	})
	mgr.Start()
	mgr.OnStateChange(func(s session.State) {
		log.Printf("session: state=%s", s)
	})

	stream := notification.New(notification.Config{PollInterval: cfg.PollInterval, PollTimeout: cfg.RequestTimeout}, link, rest)

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Printf("notification relay disabled: %v", err)
		} else {
			natsClient.Relay(cfg.UserID, stream)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stream.Start(ctx); err != nil {
		log.Printf("notify: %v", err)
	}

	// --- Metrics ---
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	cli := newConsole(mgr, stream, quota, os.Stdout)
	if cfg.Conversation != "" {
		key, err := conversation.ParseKey(cfg.Conversation)
		if err != nil {
			log.Printf("ignoring CHAT_CONVERSATION: %v", err)
		} else {
			go cli.open(ctx, key)
		}
	}
	go cli.run(ctx, os.Stdin)

	if readStore != nil {
		go persistLoop(ctx, readStore, store, cfg.UserID)
	}

	<-ctx.Done()
	log.Printf("Shutting down...")

	mgr.Teardown()
	stream.Stop()

	if readStore != nil {
		saveReadState(readStore, store, cfg.UserID)
		readStore.Close()
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	log.Printf("Chat session daemon stopped")
}

func seedFromReadState(rs *readstate.Store, store *conversation.Store, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sums, err := rs.Load(ctx, userID)
	if err != nil {
		log.Printf("[readstate] load: %v", err)
		return
	}
	for _, sum := range sums {
		store.ApplySummary(sum)
	}
	log.Printf("[readstate] restored %d conversations", len(sums))
}

func seedFromREST(rest *api.Client, store *conversation.Store, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sums, err := rest.ListConversations(ctx)
	if err != nil {
		log.Printf("conversation listing unavailable: %v", err)
		return
	}
	for _, sum := range sums {
		store.ApplySummary(sum)
	}
}

func saveReadState(rs *readstate.Store, store *conversation.Store, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Save(ctx, userID, readstate.Summaries(store.Conversations())); err != nil {
		log.Printf("[readstate] save: %v", err)
	}
}

func persistLoop(ctx context.Context, rs *readstate.Store, store *conversation.Store, userID string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveReadState(rs, store, userID)
		}
	}
}
