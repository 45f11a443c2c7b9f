package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/capture"
	"github.com/Bamington/battleplanapp-sub000/config"
	"github.com/Bamington/battleplanapp-sub000/core"
	apiImages "github.com/Bamington/battleplanapp-sub000/handlers/api/images"
	"github.com/Bamington/battleplanapp-sub000/handlers/api/recents"
	"github.com/Bamington/battleplanapp-sub000/handlers/api/resources"
	"github.com/Bamington/battleplanapp-sub000/handlers/auth"
	"github.com/Bamington/battleplanapp-sub000/images"
	"github.com/Bamington/battleplanapp-sub000/localstore"
	authMiddleware "github.com/Bamington/battleplanapp-sub000/middleware"
	"github.com/Bamington/battleplanapp-sub000/mutation"
	"github.com/Bamington/battleplanapp-sub000/realtime"
	"github.com/Bamington/battleplanapp-sub000/stores"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type app struct {
	store    *cache.ResourceStore
	coord    *mutation.Coordinator
	pipeline *images.Pipeline
	local    *localstore.Store
	auth     *auth.Service
	hub      *realtime.Hub
	devices  capture.Devices
}

func setupRouter(cfg *config.Config, backend *stores.Backend, a *app) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	recorder := recents.Recorder{Store: a.local}

	requireAuth := authMiddleware.AuthJWT(a.auth.ParseToken)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/resources/{type}", func(r chi.Router) {
			// Reads are open; anonymous callers only see shared collections.
			r.With(authMiddleware.OptionalAuthJWT(a.auth.ParseToken)).Get("/", resources.HandleList(a.store))

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/", resources.HandleCreate(a.coord, recorder))
				r.Patch("/", resources.HandleBulkUpdate(a.coord))
				r.Post("/refresh", resources.HandleRefresh(a.store))
				r.Post("/find-or-create", resources.HandleFindOrCreate(a.coord, recorder))
				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", resources.HandleUpdate(a.coord))
					r.Delete("/", resources.HandleDelete(a.coord))
					r.Put("/image", apiImages.HandleSetResourceImage(a.pipeline))
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/images/preview", apiImages.HandlePreview(a.pipeline))
			r.Route("/images/{parentID}", func(r chi.Router) {
				r.Get("/", apiImages.HandleList(a.coord))
				r.Post("/", apiImages.HandleUpload(a.pipeline))
				r.Post("/capture", apiImages.HandleCapture(a.pipeline, a.devices))
				r.Put("/order", apiImages.HandleReorder(a.coord))
				r.Put("/primary/{imageID}", apiImages.HandleSetPrimary(a.coord))
				r.Delete("/", apiImages.HandleDeleteMany(a.coord))
				r.Delete("/{imageID}", apiImages.HandleDelete(a.coord))
			})

			r.Route("/recents", func(r chi.Router) {
				r.Get("/games", recents.HandleRecentGames(a.local, a.store))
				r.Get("/locations", recents.HandleLocations(a.local))
			})
		})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.auth.HandleLogin)
		r.Get("/callback", a.auth.HandleCallback)
	})

	if backend.Files != nil {
		r.Handle("/storage/*", http.StripPrefix("/storage/", backend.Files))
	}

	r.Mount("/socket.io/", a.hub.Handler())
	return r
}

// socketOrigins returns the origins socket.io can match exactly. Wildcard
// patterns are only understood by the CORS middleware, so any of them opens
// socket.io to every origin.
func socketOrigins(origins []string) []string {
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return nil
		}
	}
	return origins
}

func waitForShutdown(srv *http.Server, backend *stores.Backend, a *app) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-exit

	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	a.hub.Close()
	a.store.Wait()
	if err := backend.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close data store")
	}
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx := context.Background()
	backend, err := stores.GetBackend(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize storage")
	}

	store := cache.New(cache.BackendFetcher(backend.Data),
		cache.WithDefaults(cache.Options{TTL: cfg.Cache.TTL, StaleWhileRevalidate: cfg.Cache.StaleWhileRevalidate}),
		cache.WithTypeOptions(core.TypeGameIcons, cache.Options{TTL: cfg.Cache.IconTTL, StaleWhileRevalidate: cfg.Cache.StaleWhileRevalidate}),
	)
	coord := mutation.New(backend.Data, backend.Objects, store, mutation.WithBucket(cfg.ImageBucket))

	local, err := localstore.Open(cfg.LocalStorePath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open local store")
	}

	authService := auth.New(ctx, cfg.Auth)
	hub := realtime.NewHub(authService.ParseToken, socketOrigins(cfg.AllowedOrigins)...)
	hub.Bind(store)

	a := &app{
		store:    store,
		coord:    coord,
		pipeline: images.NewPipeline(backend.Objects, coord, images.WithConfigs(images.ConfigsFrom(cfg.Images))),
		local:    local,
		auth:     authService,
		hub:      hub,
	}
	if cfg.CameraSnapshotURL != "" {
		a.devices = capture.NewHTTPDevices(cfg.CameraSnapshotURL)
	}

	srv := &http.Server{
		Addr:              *listenAddress,
		Handler:           setupRouter(cfg, backend, a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, backend, a)
}
