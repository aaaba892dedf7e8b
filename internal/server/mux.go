// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the marketplace service.
// It is a thin adapter: handlers authenticate the caller, validate the body, call the
// sale engine and translate its errors into the response error taxonomy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/directory"
	errordefs "github.com/RegistryAccord/registryaccord-market-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-market-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-market-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-market-go/internal/media"
	"github.com/RegistryAccord/registryaccord-market-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/sale"
	"github.com/RegistryAccord/registryaccord-market-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyUserID        ContextKey = "userId"        // Subject of the verified JWT
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes        = 1 << 20
	assetURLExpiry      = 15 * time.Minute
	defaultQuality      = "720p"
	readinessTimeout    = 5 * time.Second
	tracerName          = "marketplace/server"
	headerCorrelation   = "X-Correlation-Id"
	headerAuthorization = "Authorization"
)

// Options are the dependencies of the HTTP surface. Media, Directory, Metrics and
// Logger are optional.
type Options struct {
	Store     storage.Store
	Sales     *sale.Orchestrator
	Ledger    *ledger.Ledger
	Directory *directory.Resolver
	Media     *media.S3Client
	Validator *schema.Validator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	JWKS        *jwks.Client
	JWTIssuer   string
	JWTAudience string

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Mux handles HTTP requests for the marketplace service.
type Mux struct {
	mux       *http.ServeMux
	store     storage.Store
	sales     *sale.Orchestrator
	ledger    *ledger.Ledger
	directory *directory.Resolver
	media     *media.S3Client
	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	jwksClient  *jwks.Client
	jwtIssuer   string
	jwtAudience string

	corsAllowedOrigins []string
}

// NewMux creates the HTTP mux with every marketplace endpoint registered.
func NewMux(opts Options) (*http.ServeMux, error) {
	if opts.Store == nil || opts.Sales == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("store, sales and ledger are required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Validator == nil {
		v, err := schema.NewValidator(opts.Metrics)
		if err != nil {
			return nil, fmt.Errorf("initialize schema validator: %w", err)
		}
		opts.Validator = v
	}
	if opts.JWKS == nil {
		opts.JWKS = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", opts.JWTIssuer))
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		store:              opts.Store,
		sales:              opts.Sales,
		ledger:             opts.Ledger,
		directory:          opts.Directory,
		media:              opts.Media,
		validator:          opts.Validator,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		tracer:             otel.Tracer(tracerName),
		jwksClient:         opts.JWKS,
		jwtIssuer:          opts.JWTIssuer,
		jwtAudience:        opts.JWTAudience,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Sales
	m.handle(http.MethodPost, "/v1/transactions", m.handleCreateTransaction)
	m.handle(http.MethodPost, "/v1/transactions/token", m.handleCreateTokenTransaction)
	m.handle(http.MethodGet, "/v1/transactions/precheck", m.handlePrecheck)
	m.handle(http.MethodGet, "/v1/transactions/history", m.handleTransactionHistory)
	m.handle(http.MethodGet, "/v1/payments/info", m.handlePaymentInfo)
	m.handle(http.MethodGet, "/v1/payments/clientToken", m.handleClientToken)

	// Listings and reservations
	m.handle(http.MethodPost, "/v1/videos/reserve", m.handleReserve)
	m.handle(http.MethodPost, "/v1/videos/listing", m.handleListVideo)
	m.handle(http.MethodPost, "/v1/videos/unlist", m.handleUnlist)
	m.handle(http.MethodPost, "/v1/videos/uploadInit", m.handleUploadInit)
	m.handle(http.MethodGet, "/v1/videos/assetURL", m.handleAssetURL)

	// Token ledger and users
	m.handle(http.MethodGet, "/v1/tokens/balance", m.handleTokenBalance)
	m.handle(http.MethodGet, "/v1/tokens/history", m.handleTokenHistory)
	m.handle(http.MethodGet, "/v1/users/", m.handleGetUser)

	return m.mux, nil
}

// handle registers an authenticated endpoint.
func (m *Mux) handle(method, path string, h http.HandlerFunc) {
	m.mux.HandleFunc(path, m.withMiddleware(path, m.method(method, h)))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			err := errordefs.New(errordefs.MKT_BAD_REQUEST, "method not allowed", correlationID(r.Context()))
			err.HTTPStatus = http.StatusMethodNotAllowed
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, JWT authentication, request
// logging and request metrics.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		cid := r.Header.Get(headerCorrelation)
		if cid == "" {
			cid = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, cid))
		w.Header().Set(headerCorrelation, cid)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			duration := time.Since(start)
			status := strconv.Itoa(rec.status)
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
			m.logRequest(r, rec.status, duration, cid, rec.err)
		}()

		userID, err := m.validateJWT(r)
		if err != nil {
			var errorDef *errordefs.Error
			if !errors.As(err, &errorDef) {
				errorDef = errordefs.New(errordefs.MKT_AUTHN, err.Error(), cid)
			}
			errorDef.CorrelationID = cid
			rec.err = err
			m.writeErrorDef(rec, errorDef)
			return
		}
		m.provision(r.Context(), userID)
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyUserID, userID))

		h(rec, r)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	return slices.Contains(m.corsAllowedOrigins, "*") || slices.Contains(m.corsAllowedOrigins, origin)
}

// provision makes sure users known to the directory exist locally before they trade.
func (m *Mux) provision(ctx context.Context, userID string) {
	if m.directory == nil {
		return
	}
	if _, err := m.directory.Lookup(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("user provisioning failed",
			"event", "user_provision_failed",
			"user_id", userID,
			"error", err.Error(),
		)
	}
}

// validateJWT validates the bearer token and returns its subject.
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get(headerAuthorization)
	if authHeader == "" {
		return "", errordefs.New(errordefs.MKT_AUTHN, "missing Authorization header", "")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return "", errordefs.New(errordefs.MKT_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	switch {
	case errors.Is(err, jwks.ErrTokenExpired):
		return "", errordefs.New(errordefs.MKT_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwks.ErrTokenMalformed):
		return "", errordefs.New(errordefs.MKT_JWT_MALFORMED, "malformed JWT", "")
	case err != nil:
		return "", errordefs.New(errordefs.MKT_JWT_INVALID, "invalid JWT", "")
	}

	sub, _ := claims["sub"].(string)
	return sub, nil
}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyUserID).(string)
	return id
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// decode reads the body, validates it against the named schema and unmarshals it into dst.
func (m *Mux) decode(w http.ResponseWriter, r *http.Request, schemaName string, dst any) *errordefs.Error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errordefs.New(errordefs.MKT_VALIDATION, "request body too large or unreadable", correlationID(r.Context()))
	}
	if err := m.validator.Validate(schemaName, body); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return errordefs.NewWithDetails(errordefs.MKT_VALIDATION, "request validation failed", correlationID(r.Context()), verr.Fields)
		}
		return errordefs.New(errordefs.MKT_INTERNAL, "Internal server error", correlationID(r.Context()))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.MKT_VALIDATION, "invalid JSON", correlationID(r.Context()))
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError writes an error response following the marketplace error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// fail translates a core error and writes it. Internal failures keep their detail in the log only.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	out := errordefs.Translate(err, correlationID(r.Context()))
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	span.SetStatus(codes.Error, out.Message)
	if out.Kind == errordefs.KindInternal {
		span.RecordError(err)
	}
	m.writeErrorDef(w, out)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if id := userID(r.Context()); id != "" {
		attrs = append(attrs, slog.String("user_id", id))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "event", "readiness_failed", "error", err.Error())
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleCreateTransaction")
	defer span.End()

	var req model.CreateTransactionRequest
	if errDef := m.decode(w, r, schema.CreateTransaction, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("video_id", req.VideoID), attribute.String("buyer_id", userID(ctx)))

	receipt, err := m.sales.CreateTransaction(ctx, req.PaymentNonce, req.VideoID, userID(ctx))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, receipt)
}

func (m *Mux) handleCreateTokenTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleCreateTokenTransaction")
	defer span.End()

	var req model.CreateTokenTransactionRequest
	if errDef := m.decode(w, r, schema.CreateTokenTransaction, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("video_id", req.VideoID), attribute.String("buyer_id", userID(ctx)))

	receipt, err := m.sales.CreateTransactionWithToken(ctx, req.VideoID, userID(ctx))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, receipt)
}

func (m *Mux) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handlePrecheck")
	defer span.End()

	q := r.URL.Query()
	videoID, sellerID := q.Get("videoId"), q.Get("sellerId")
	if videoID == "" || sellerID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "videoId and sellerId are required", correlationID(ctx)))
		return
	}
	span.SetAttributes(attribute.String("video_id", videoID), attribute.String("seller_id", sellerID))

	m.writeSuccess(w, http.StatusOK, m.sales.PrecheckTransaction(ctx, videoID, userID(ctx), sellerID))
}

func (m *Mux) handleTransactionHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleTransactionHistory")
	defer span.End()

	videoID := r.URL.Query().Get("videoId")
	if videoID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "videoId is required", correlationID(ctx)))
		return
	}
	rows, err := m.store.ListTransactionHistory(ctx, videoID)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rows)
}

func (m *Mux) handlePaymentInfo(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handlePaymentInfo")
	defer span.End()

	q := r.URL.Query()
	videoID := q.Get("videoId")
	method := model.PaymentMethod(q.Get("method"))
	if method == "" {
		method = model.PaymentFiat
	}
	if videoID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "videoId is required", correlationID(ctx)))
		return
	}
	span.SetAttributes(attribute.String("video_id", videoID), attribute.String("method", string(method)))

	info, err := m.sales.GetPaymentInfo(ctx, videoID, userID(ctx), method)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, info)
}

func (m *Mux) handleClientToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleClientToken")
	defer span.End()

	token, err := m.sales.ClientToken(ctx)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"clientToken": token})
}

func (m *Mux) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleReserve")
	defer span.End()

	var req model.VideoRequest
	if errDef := m.decode(w, r, schema.VideoRequest, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}
	held, err := m.sales.ReserveVideo(ctx, req.VideoID, userID(ctx))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, held)
}

func (m *Mux) handleListVideo(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleListVideo")
	defer span.End()

	var req model.ListVideoRequest
	if errDef := m.decode(w, r, schema.ListVideo, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "price must be a decimal amount", correlationID(ctx)))
		return
	}
	info, err := m.sales.ListVideo(ctx, req.VideoID, userID(ctx), price)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, info)
}

func (m *Mux) handleUnlist(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleUnlist")
	defer span.End()

	var req model.VideoRequest
	if errDef := m.decode(w, r, schema.VideoRequest, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}
	if err := m.sales.UnlistVideo(ctx, req.VideoID, userID(ctx)); err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"videoId": req.VideoID})
}

func (m *Mux) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleUploadInit")
	defer span.End()

	var req model.UploadInitRequest
	if errDef := m.decode(w, r, schema.UploadInit, &req); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}
	if m.media == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_UNAVAILABLE, "media storage is not configured", correlationID(ctx)))
		return
	}
	if err := m.media.CheckUpload(req.MimeType, req.Size); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, err.Error(), correlationID(ctx)))
		return
	}

	video := model.Video{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		OwnerID:     userID(ctx),
	}
	if err := m.store.CreateVideo(ctx, video); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.MKT_BAD_REQUEST, "Unknown user", correlationID(ctx)))
			return
		}
		m.fail(w, r, span, err)
		return
	}

	expiresAt := time.Now().UTC().Add(assetURLExpiry)
	uploadURL, err := m.media.GenerateUploadURL(ctx, video.ID, req.MimeType, req.Size, assetURLExpiry)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.UploadInitData{
		VideoID:   video.ID,
		UploadURL: uploadURL,
		ExpiresAt: expiresAt,
	})
}

func (m *Mux) handleAssetURL(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleAssetURL")
	defer span.End()

	q := r.URL.Query()
	videoID, quality := q.Get("videoId"), q.Get("quality")
	if quality == "" {
		quality = defaultQuality
	}
	if videoID == "" || !media.ValidQuality(quality) {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "videoId and a valid quality are required", correlationID(ctx)))
		return
	}
	if m.media == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_UNAVAILABLE, "media storage is not configured", correlationID(ctx)))
		return
	}

	video, err := m.store.GetVideo(ctx, videoID)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	if video.OwnerID != userID(ctx) {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_AUTHZ, "Only the owner can download this video", correlationID(ctx)))
		return
	}

	expiresAt := time.Now().UTC().Add(assetURLExpiry)
	url, err := m.media.GenerateDownloadURL(ctx, videoID, quality, assetURLExpiry)
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.AssetURLData{
		VideoID:   videoID,
		Quality:   quality,
		URL:       url,
		ExpiresAt: expiresAt,
	})
}

func (m *Mux) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleTokenBalance")
	defer span.End()

	balance, err := m.ledger.BalanceOf(ctx, userID(ctx))
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"userId": userID(ctx), "balance": balance.String()})
}

func (m *Mux) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleTokenHistory")
	defer span.End()

	q := r.URL.Query()
	page, okPage := pageParam(q.Get("page"))
	perPage, okPerPage := pageParam(q.Get("perPage"))
	if !okPage || !okPerPage {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "page and perPage must be positive integers", correlationID(ctx)))
		return
	}

	history, err := m.ledger.History(ctx, userID(ctx), page, perPage)
	if errors.Is(err, ledger.ErrPageOutOfRange) {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "page is out of range", correlationID(ctx)))
		return
	}
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, history)
}

// pageParam parses an optional positive paging parameter. Absent means 0, the default.
func pageParam(raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (m *Mux) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx, span := m.tracer.Start(r.Context(), "handleGetUser")
	defer span.End()

	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		m.writeErrorDef(w, errordefs.New(errordefs.MKT_VALIDATION, "user id is required", correlationID(ctx)))
		return
	}

	var (
		user *model.User
		err  error
	)
	if m.directory != nil {
		user, err = m.directory.Lookup(ctx, id)
	} else {
		user, err = m.store.GetUser(ctx, id)
	}
	if err != nil {
		m.fail(w, r, span, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, user)
}
