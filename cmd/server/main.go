// Server is the session proxy front end: it authenticates users, proxies
// their traffic to per-user session processes, and keeps cookie revocation
// and named-user licensing consistent across a cluster through the shared
// database and the Kafka revocation topic.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	adminhandler "github.com/rstudio/rstudio-sub009/internal/admin/handler"
	"github.com/rstudio/rstudio-sub009/internal/audit"
	auditrepo "github.com/rstudio/rstudio-sub009/internal/audit/repository"
	"github.com/rstudio/rstudio-sub009/internal/auth"
	"github.com/rstudio/rstudio-sub009/internal/authz"
	"github.com/rstudio/rstudio-sub009/internal/config"
	"github.com/rstudio/rstudio-sub009/internal/db"
	healthhandler "github.com/rstudio/rstudio-sub009/internal/health/handler"
	"github.com/rstudio/rstudio-sub009/internal/launcher"
	"github.com/rstudio/rstudio-sub009/internal/licensing"
	licrepo "github.com/rstudio/rstudio-sub009/internal/licensing/repository"
	"github.com/rstudio/rstudio-sub009/internal/proxy"
	"github.com/rstudio/rstudio-sub009/internal/revocation"
	revrepo "github.com/rstudio/rstudio-sub009/internal/revocation/repository"
	"github.com/rstudio/rstudio-sub009/internal/scheduler"
	"github.com/rstudio/rstudio-sub009/internal/security"
	"github.com/rstudio/rstudio-sub009/internal/server"
	"github.com/rstudio/rstudio-sub009/internal/telemetry"
	otelsetup "github.com/rstudio/rstudio-sub009/internal/telemetry/otel"
	"github.com/rstudio/rstudio-sub009/internal/telemetry/producer"
	"github.com/rstudio/rstudio-sub009/internal/usersession"
)

// reapInterval is how often the idle-session reaper runs.
const reapInterval = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	key, err := security.LoadOrCreateCookieKey(cfg.CookieKeyFile)
	if err != nil {
		log.Fatalf("cookie key: %v", err)
	}
	cookies := security.NewCookieProvider(key, "rserver", cfg.AuthTimeoutDuration(), cfg.StaySignedInTTL())

	var pool *sql.DB
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer pool.Close()
	}

	// Revocation needs the shared store; without a database a restarted server
	// would forget every revoked cookie, so the registry stays off entirely.
	var revocations *revocation.Registry
	brokers := cfg.KafkaBrokersList()
	if pool != nil {
		expiry := func(cookie string) (time.Time, error) {
			_, exp, err := cookies.Decode(cookie)
			return exp, err
		}
		revocations = revocation.NewRegistry(revrepo.NewPostgresRepository(pool), expiry, cfg.StaySignedInTTL())
		if err := revocations.Load(ctx, cfg.LegacyRevocationList); err != nil {
			log.Fatalf("revocation: %v", err)
		}
		if b := revocation.NewKafkaBroadcaster(brokers, cfg.RevocationTopic); b != nil {
			revocations.SetBroadcaster(b)
			defer b.Close()
		}
	}

	var revoker usersession.CookieRevoker
	if revocations != nil {
		revoker = revocations.Revoke
	}
	sessions := usersession.NewRegistry(revoker)
	if revocations != nil {
		revocations.OnRemoteRevoke = func(cookie string) {
			if username := sessions.UsernameForCookie(cookie); username != "" {
				sessions.Invalidate(context.Background(), username)
			}
		}
	}

	var users licrepo.Repository
	var policy licensing.Policy
	if pool != nil {
		users = licrepo.NewPostgresRepository(pool)
	}
	if cfg.NamedUserLimit > 0 {
		if users == nil {
			log.Fatal("licensing: NAMED_USER_LIMIT requires DATABASE_URL")
		}
		policy = licensing.NewNamedUser(cfg.NamedUserLimit, users)
	}

	evaluator, err := authz.LoadFile(cfg.AuthzPolicyFile)
	if err != nil {
		log.Fatalf("authz: %v", err)
	}

	var auditor audit.AuditLogger
	if pool != nil {
		auditor = audit.NewLogger(auditrepo.NewPostgresRepository(pool))
	}

	var validator auth.CredentialsValidator
	userListID := ""
	if cfg.AuthUsersFile != "" {
		accounts, err := auth.NewLocalAccounts(cfg.AuthUsersFile, security.NewHasher(0))
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
		validator = accounts
		userListID = accounts.UserListID()
	}

	manager := auth.NewManager(auth.ManagerConfig{
		Cookies:            cookies,
		Sessions:           sessions,
		Revocations:        revocations,
		Policy:             policy,
		Authz:              evaluator,
		Validator:          validator,
		Auditor:            auditor,
		RefreshMinInterval: cfg.CookieRefreshMinInterval(),
		SignInMinInterval:  cfg.SignInMinInterval(),
		UserListID:         userListID,
	})
	manager.RegisterHandler(auth.NewLocalHandler(manager, "/auth-sign-in"))

	providers, err := otelsetup.NewProviders(ctx, cfg.OTELExporterEndpoint, "rserver", cfg.OTELExporterInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	events, err := producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	if events != nil {
		defer events.Close()
	}

	var sessionLauncher launcher.SessionLauncher
	if cfg.SessionExecCommand != "" {
		sessionLauncher = launcher.NewExecLauncher(cfg.SessionExecCommand)
	}
	core := proxy.NewCore(proxy.CoreConfig{
		StreamDir:     cfg.SessionStreamDir,
		Sessions:      sessions,
		Launcher:      sessionLauncher,
		RetryInterval: cfg.RetryInterval(),
		MaxWait:       cfg.MaxWait(),
		ValidateOwner: true,
	})

	var pinger healthhandler.Pinger
	if pool != nil {
		pinger = pool
	}
	var policyCheck healthhandler.PolicyChecker
	if re, ok := evaluator.(*authz.RegoEvaluator); ok {
		policyCheck = re
	}

	deps := server.Deps{
		Manager:  manager,
		Sessions: sessions,
		Proxy:    core,
		Health:   healthhandler.NewHandler(pinger, policyCheck),
		Admin:    adminhandler.NewHandler(manager, sessions, users),
	}
	if events != nil {
		deps.Telemetry = events
	}
	handler := server.New(deps)

	sched := scheduler.New()
	if timeout := cfg.AuthTimeoutDuration(); timeout > 0 {
		sched.Every(reapInterval, "session reaper", func(ctx context.Context) {
			for _, username := range sessions.ReapExpired(timeout) {
				if auditor != nil {
					auditor.LogEvent(ctx, username, audit.ActionSessionReaped, "", "")
				}
				if events != nil {
					meta, _ := json.Marshal(map[string]string{"reason": "idle_timeout"})
					_ = events.Emit(ctx, &telemetry.Event{
						Username:  username,
						EventType: telemetry.EventSessionReaped,
						Source:    "session_reaper",
						Metadata:  meta,
						CreatedAt: time.Now().UTC(),
					})
				}
			}
		})
	}
	if revocations != nil && len(brokers) > 0 {
		groupID := "rserver-revocations-" + uuid.New().String()
		sched.Go("revocation listener", func(ctx context.Context) {
			revocation.Listen(ctx, brokers, cfg.RevocationTopic, groupID, revocations)
		})
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("server stopped")
}
