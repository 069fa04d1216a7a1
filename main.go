package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/oauthd/internal/config"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

// App wires the token lifecycle engine: a storage handle injected at
// construction time, the lifetime configuration, and the per-client rate
// limiter. There is no process-wide state beyond the store itself.
type App struct {
	DB          Store
	cfg         *cfg.Config
	rateLimiter *RateLimiter
}

func NewApp(db Store, c *cfg.Config) *App {
	return &App{DB: db, cfg: c, rateLimiter: NewRateLimiter(c.RateLimitPerMinute)}
}

// storageCtx bounds a storage call. It is detached from the request context
// so a client disconnect cannot abandon a half-committed save.
func (a *App) storageCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(a.cfg.StorageTimeout)*time.Second)
}

func (a *App) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
			w.WriteHeader(503)
			w.Write([]byte(`{"ready":false}`))
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")
	r.Handle("/metrics", metricsHandler()).Methods("GET")

	oauth := r.PathPrefix("/oauth").Subrouter()
	oauth.Handle("/token", a.RateLimit(http.HandlerFunc(a.HandleToken))).Methods("POST")
	oauth.Handle("/me", a.BearerAuth(http.HandlerFunc(a.HandleMe))).Methods("GET")
	oauth.HandleFunc("/introspect", a.HandleIntrospect).Methods("POST")
	oauth.HandleFunc("/revoke", a.HandleRevoke).Methods("POST")

	r.HandleFunc("/auth/signup", a.HandleSignup).Methods("POST")
	r.HandleFunc("/admin/clients", a.HandleCreateClient).Methods("POST")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
	case "postgres":
		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", c.PostgresDSN); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		p, err := NewPostgresDB(c.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		db = NewMemoryDB()
	}

	app := NewApp(db, c)
	srv := &http.Server{
		Handler:      app.routes(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		fmt.Println("Starting OAuth2 server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed: %+v", err)
	}
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	fmt.Println("Server exited properly")
}
