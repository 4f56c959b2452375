package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/yangjarod117/webssh/internal/access"
	"github.com/yangjarod117/webssh/internal/bridge"
	"github.com/yangjarod117/webssh/internal/config"
	"github.com/yangjarod117/webssh/internal/handlers"
	"github.com/yangjarod117/webssh/internal/logging"
	"github.com/yangjarod117/webssh/internal/middleware"
	"github.com/yangjarod117/webssh/internal/monitor"
	"github.com/yangjarod117/webssh/internal/sftpio"
	"github.com/yangjarod117/webssh/internal/sshsession"
	"github.com/yangjarod117/webssh/internal/vault"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	// Credential vault
	credsFile := config.Cfg.CredentialsFile
	if credsFile == "" {
		credsFile = filepath.Join(config.Cfg.DataPath, "credentials.json")
	}
	key, err := vault.LoadKey(config.Cfg.VaultKey, config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("Vault key init: %v", err)
	}
	store, err := vault.Open(credsFile, key)
	if err != nil {
		log.Fatalf("Vault init: %v", err)
	}

	// Access gate
	gate := access.New(
		config.Cfg.AccessPassword,
		config.Cfg.TokenSecret,
		config.Cfg.TokenTTL,
		config.Cfg.Env == "production",
	)
	if gate.Required() {
		log.Printf("Access gate enabled")
	} else {
		log.Printf("Access gate disabled (no password configured)")
	}

	// Session registry + eviction loop
	registry := sshsession.NewRegistry(config.Cfg.SessionIdleTimeout)
	registry.Start()

	// WebSocket bridge liveness loop
	terminals := bridge.New(registry)
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	go terminals.Run(bridgeCtx)

	handlers.AccessGate = gate
	handlers.Credentials = store
	handlers.Sessions = registry
	handlers.Files = sftpio.NewRouter(registry)
	handlers.Monitor = monitor.NewProbe(registry)
	handlers.Terminals = terminals

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Route("/api", func(r chi.Router) {
		// Open routes: the gate itself
		r.Get("/access/check", handlers.AccessCheck)
		r.Post("/access/verify", handlers.AccessVerify)
		r.Post("/access/logout", handlers.AccessLogout)

		// Everything else requires a valid token (or an open gate)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAccess(gate))

			r.Get("/credentials", handlers.ListCredentials)
			r.Post("/credentials", handlers.SaveCredential)
			r.Get("/credentials/{id}", handlers.GetCredential)
			r.Get("/credentials/{id}/exists", handlers.CredentialExists)
			r.Delete("/credentials/{id}", handlers.DeleteCredential)

			r.Post("/sessions", handlers.CreateSession)
			r.Get("/sessions/{id}/status", handlers.SessionStatus)
			r.Delete("/sessions/{id}", handlers.DeleteSession)
			r.Post("/sessions/{id}/disconnect", handlers.BeaconDisconnect)

			r.Get("/sessions/{id}/files", handlers.ListFiles)
			r.Post("/sessions/{id}/files", handlers.CreateEntry)
			r.Put("/sessions/{id}/files", handlers.RenameEntry)
			r.Delete("/sessions/{id}/files", handlers.DeleteEntry)
			r.Get("/sessions/{id}/files/content", handlers.ReadFileContent)
			r.Put("/sessions/{id}/files/content", handlers.WriteFileContent)
			r.Post("/sessions/{id}/files/upload", handlers.UploadFile)
			r.Get("/sessions/{id}/files/download", handlers.DownloadFile)
			r.Get("/sessions/{id}/files/exists", handlers.EntryExists)

			r.Get("/sessions/{id}/monitor", handlers.MonitorSnapshot)
			r.Get("/sessions/{id}/top-processes", handlers.TopProcesses)
			r.Get("/sessions/{id}/login-history", handlers.LoginHistory)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAccess(gate))
		r.Get("/ws", handlers.TerminalWS)
	})

	addr := net.JoinHostPort(config.Cfg.Host, fmt.Sprintf("%d", config.Cfg.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	stopBridge()
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
