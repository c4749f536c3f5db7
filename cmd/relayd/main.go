// Command relayd runs one node of the peer-elected LAN relay: it joins a
// room's signaling channel, participates in Relay election/failover, and
// exposes the WebSocket signaling endpoint plus a small status API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"lanrelay/internal/botauth"
	"lanrelay/internal/config"
	"lanrelay/internal/coordinator"
	"lanrelay/internal/failover"
	"lanrelay/internal/httpapi"
	"lanrelay/internal/keepalive"
	"lanrelay/internal/signaling/wsadapter"
	"lanrelay/internal/switcher"
	"lanrelay/internal/turn"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	roomID := flag.String("room", "default", "room id this node participates in")
	peerID := flag.String("peer", "", "this node's peer id (generated if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	localPeerID := *peerID
	if localPeerID == "" {
		localPeerID = uuid.NewString()
	}

	log.Printf("Starting relayd for room %q as peer %s...", *roomID, localPeerID)

	hub := wsadapter.NewHub(*roomID, localPeerID)
	defer hub.Shutdown()

	var turnCfgs []turn.Config
	if len(cfg.TURN.URLs) > 0 {
		turnCfgs = append(turnCfgs, turn.Config{
			URLs:       cfg.TURN.URLs,
			Secret:     cfg.TURN.Secret,
			StaticUser: cfg.TURN.StaticUser,
			StaticPass: cfg.TURN.StaticPass,
		})
	}

	coordCfg := coordinator.Config{
		Signaling: hub,
		Keepalive: keepalive.Config{
			Interval:      cfg.Keepalive.Interval,
			Timeout:       cfg.Keepalive.Timeout,
			SlowThreshold: cfg.Keepalive.SlowThreshold,
			MaxRetries:    cfg.Keepalive.MaxRetries,
		},
		Failover: failover.Config{
			BackoffPerPoint:  cfg.Failover.BackoffPerPoint,
			MaxBackoff:       cfg.Failover.MaxBackoff,
			ClaimTimeout:     cfg.Failover.ClaimTimeout,
			OfflineThreshold: cfg.Failover.OfflineThreshold,
		},
		WebRTCAPI: webrtc.NewAPI(),
		NewLocalTrack: func(kind switcher.Kind, cap webrtc.RTPCodecCapability) (switcher.OutboundTrack, error) {
			id := "video"
			if kind == switcher.KindAudio {
				id = "audio"
			}
			return webrtc.NewTrackLocalStaticRTP(cap, id, *roomID)
		},
	}
	if cfg.Bridge.SFUURL != "" {
		coordCfg.SFUURL = cfg.Bridge.SFUURL
		coordCfg.BotIssuer = botauth.NewIssuer(cfg.Bridge.BotJWTSecret, cfg.Bridge.BotTokenTTL)
	}

	coord := coordinator.New(*roomID, localPeerID, coordCfg)
	coord.SetOnEvent(func(ev coordinator.Event) {
		log.Printf("[relayd] event %s: %+v", ev.Type, ev)
	})

	if err := coord.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	ipResolver, err := httpapi.NewClientIPResolver(cfg.Server.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("Failed to build client IP resolver: %v", err)
	}
	limiter := httpapi.NewRateLimiter(100, time.Minute)
	router.Use(httpapi.RateLimitMiddleware(limiter, ipResolver))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coord.GetStatus())
	})

	router.Get("/ice-servers", func(w http.ResponseWriter, r *http.Request) {
		requestPeerID := r.URL.Query().Get("peerId")
		if requestPeerID == "" {
			requestPeerID = localPeerID
		}
		servers := turn.BuildICEServers(turnCfgs, requestPeerID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(servers)
	})

	wsHandler := wsadapter.NewHandler(hub, cfg.Server.WebSocket)
	router.Get("/ws", wsHandler.ServeHTTP)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		log.Printf("relayd listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	coord.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("relayd stopped")
}
