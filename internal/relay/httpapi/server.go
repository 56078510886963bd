// Package httpapi exposes the relay over HTTP: JSON endpoints for auth, sync,
// blob URLs and grant lifecycle, plus a websocket subscribe stream. The relay
// only ever sees sealed payloads, so every handler works with opaque bytes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/logging"
	"github.com/syncwell/recordsync/internal/relay/config"
	"github.com/syncwell/recordsync/internal/relay/models"
	"github.com/syncwell/recordsync/internal/relay/services"
)

type accountSvc interface {
	Register(ctx context.Context, username string, salt, verifier []byte) (*models.Account, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
}

type syncSvc interface {
	Push(ctx context.Context, accountID string, deltas []api.Delta) (*api.PushResponse, error)
	Pull(ctx context.Context, accountID string, req *api.PullRequest) (*api.PullResponse, error)
	MaxSeq(ctx context.Context, accountID, scope string) (int64, error)
	AuthorizeRead(ctx context.Context, accountID, scope string) error
}

type grantSvc interface {
	Create(ctx context.Context, delegatorID string, req *api.CreateGrantRequest) (*api.Grant, error)
	Accept(ctx context.Context, delegateID, grantID string, devicePublicKey []byte) error
	UploadKey(ctx context.Context, delegatorID, grantID string, key *api.GrantKey) error
	GetKey(ctx context.Context, delegateID, grantID string) (*api.GrantKey, error)
	Revoke(ctx context.Context, callerID, grantID string) error
	List(ctx context.Context, accountID string) (*api.ListGrantsResponse, error)
}

type blobSvc interface {
	UploadURL(ctx context.Context, accountID string) (string, string, error)
	DownloadURL(ctx context.Context, accountID, blobKey string) (string, error)
}

type Server struct {
	logger       logging.Logger
	accounts     accountSvc
	sync         syncSvc
	grants       grantSvc
	blobs        blobSvc
	secretKey    []byte
	pollInterval time.Duration
	batchLimit   int
}

func NewServer(cfg *config.Config, logger logging.Logger, accounts *services.AccountService,
	sync *services.SyncService, grants *services.GrantService, blobs *services.BlobService) *Server {
	poll := cfg.SubscribePollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	batch := cfg.PullPageLimit
	if batch <= 0 {
		batch = 50
	}
	return &Server{
		logger:       logger.With("module", "httpapi"),
		accounts:     accounts,
		sync:         sync,
		grants:       grants,
		blobs:        blobs,
		secretKey:    []byte(cfg.SecretKey),
		pollInterval: poll,
		batchLimit:   batch,
	}
}

// Router assembles the full middleware stack and route table. The subscribe
// endpoint sits in the authenticated group but outside the request timeout,
// since a websocket stays open far longer than any JSON call.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(100, 1*time.Minute))

	c := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(c))
	r.Use(chimw.Logger)
	r.Use(withMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pub chi.Router) {
		pub.Use(chimw.Timeout(30 * time.Second))
		pub.Post(api.PathRegister, s.handleRegister)
		pub.Post(api.PathSalt, s.handleSalt)
		pub.Post(api.PathLogin, s.handleLogin)
		pub.Post(api.PathRefresh, s.handleRefresh)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(s.withAuth)
		pr.Use(chimw.Timeout(30 * time.Second))

		pr.Post(api.PathPush, s.handlePush)
		pr.Post(api.PathPull, s.handlePull)

		pr.Post(api.PathBlobUploadURL, s.handleBlobUploadURL)
		pr.Post(api.PathBlobDownloadURL, s.handleBlobDownloadURL)

		pr.Post(api.PathGrants, s.handleCreateGrant)
		pr.Get(api.PathGrants, s.handleListGrants)
		pr.Post(api.PathGrantAccept, s.handleAcceptGrant)
		pr.Put(api.PathGrantKey, s.handleUploadGrantKey)
		pr.Get(api.PathGrantKey, s.handleGetGrantKey)
		pr.Post(api.PathGrantRevoke, s.handleRevokeGrant)
	})

	r.Group(func(ws chi.Router) {
		ws.Use(s.withAuth)
		ws.Get(api.PathSubscribe, s.handleSubscribe)
	})

	return r
}
