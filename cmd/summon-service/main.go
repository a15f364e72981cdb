package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ahmadkeyhan/sorrel/internal/config"
	"github.com/ahmadkeyhan/sorrel/internal/httpapi"
	"github.com/ahmadkeyhan/sorrel/internal/hub"
	"github.com/ahmadkeyhan/sorrel/internal/ratelimit"
	"github.com/ahmadkeyhan/sorrel/internal/store/postgres"
	"github.com/ahmadkeyhan/sorrel/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("summon-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{
		DailyCap: cfg.DailySummonCap,
		Cooldown: cfg.SummonCooldown,
		Window:   cfg.SummonWindow,
	})
	limiter := ratelimit.New(st, ratelimit.Config{
		DailyCap: cfg.DailySummonCap,
		Cooldown: cfg.SummonCooldown,
		Window:   cfg.SummonWindow,
	})
	h := hub.New()
	requestLimiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:          cfg.RateLimitPerMinute,
		IPBurst:              cfg.RateLimitBurst,
		FingerprintPerMinute: cfg.FingerprintRateLimitPerMinute,
		FingerprintBurst:     cfg.FingerprintRateLimitBurst,
	})

	handler := httpapi.NewHandler(st, limiter)
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())

	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		sessionID := sessionIDFromRequest(req)
		if sessionID == "" {
			_ = session.Close(4001, "missing session")
			return
		}
		if _, err := st.GetSession(context.Background(), sessionID); err != nil {
			_ = session.Close(4002, "invalid session")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				Type: parsed.Type,
				Seat: parsed.Seat,
			})
		}
	})
	mux.Handle("/realtime/", sockjsHandler)

	chained := httpapi.LoggingMiddleware(requestLimiter.Middleware(httpapi.AuthMiddleware(st, mux)))
	otelHandler := otelhttp.NewHandler(chained, "summon-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("summon-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	lastEventTime := time.Now().UTC()
	var running int32

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			events, err := st.ListOutboxEvents(ctx, lastEventTime, cfg.BatchSize)
			cancel()
			if err != nil {
				log.Printf("poll outbox error: %v", err)
			} else {
				for _, event := range events {
					lastEventTime = event.CreatedAt
					meta := extractMeta(event.Payload)
					meta.Type = event.Type
					env := eventEnvelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt}
					payload, _ := json.Marshal(env)
					h.Broadcast(payload, meta)
				}
			}
			atomic.StoreInt32(&running, 0)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func extractMeta(payload []byte) hub.Subscription {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return hub.Subscription{}
	}
	seat := 0
	if value, ok := data["seat"].(float64); ok {
		seat = int(value)
	}
	return hub.Subscription{Seat: seat}
}

func sessionIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
