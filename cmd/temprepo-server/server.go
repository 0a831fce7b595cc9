package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/jadolg/temprepo"
)

const contentTypeHeader = "Content-Type"

// Server serves file listings of tarballs checked out into temporary repositories
type Server struct {
	config     *temprepo.Config
	logger     *log.Logger
	auth       *AuthMiddleware
	httpClient *http.Client
	listings   singleflight.Group
}

// FilesResponse is the body of a successful /files request
type FilesResponse struct {
	URL       string               `json:"url"`
	Files     []temprepo.FileEntry `json:"files"`
	Count     int                  `json:"count"`
	TotalSize int64                `json:"total_size"`
}

// NewServer creates a new server instance
func NewServer(config *temprepo.Config, logger *log.Logger) *Server {
	s := &Server{
		config: config,
		logger: logger,
		auth:   NewAuthMiddleware(&config.Auth, logger),
	}
	if config.BlockPrivateHosts {
		s.httpClient = publicOnlyClient(config.Timeout)
	}
	return s
}

// Router builds the HTTP handler with request logging and panic recovery
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/files", s.auth.WrapFunc(s.filesHandler)).Methods(http.MethodGet)

	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger), handlers.PrintRecoveryStack(true))
	return handlers.LoggingHandler(s.logger.Writer(), recovery(router))
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.auth.IsEnabled() {
			s.logger.Infof("Starting server on %s (auth: enabled)", srv.Addr)
		} else {
			s.logger.Infof("Starting server on %s", srv.Addr)
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// healthHandler handles the /health endpoint
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, err := fmt.Fprintln(w, "OK")
	if err != nil {
		s.logger.Warnf("Failed to write health response: %v", err)
	}
}

// filesHandler checks out the tarball named by the url query parameter and lists its files
func (s *Server) filesHandler(w http.ResponseWriter, r *http.Request) {
	tarballURL, err := sanitizeTarballURL(r.URL.Query().Get("url"), s.config.AllowedHosts, s.config.BlockPrivateHosts)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid url: %v", err), http.StatusBadRequest)
		return
	}

	logger := s.logger.WithField("url", tarballURL)
	logger.Info("Listing tarball")

	// Collapsed requests share one checkout, so it must outlive the first caller.
	ctx := context.WithoutCancel(r.Context())
	result, err, shared := s.listings.Do(tarballURL, func() (interface{}, error) {
		return s.listFiles(ctx, logger, tarballURL)
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to list tarball")
		writeJSONError(w, err.Error(), statusForError(err))
		return
	}
	if shared {
		logger.Debug("Served listing from a concurrent checkout")
	}

	w.Header().Set(contentTypeHeader, "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Warnf("Failed to write files response: %v", err)
	}
}

func (s *Server) listFiles(ctx context.Context, logger log.FieldLogger, tarballURL string) (*FilesResponse, error) {
	opts := s.config.Options(logger)
	if s.httpClient != nil {
		opts = append(opts, temprepo.WithHTTPClient(s.httpClient))
	}

	response := &FilesResponse{URL: tarballURL}
	err := temprepo.Checkout(ctx, tarballURL, func(dir string) error {
		files, err := temprepo.ListFiles(dir)
		if err != nil {
			return err
		}
		response.Files = files
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	for _, file := range response.Files {
		if !file.IsDir {
			response.Count++
			response.TotalSize += file.Size
		}
	}
	return response, nil
}

// statusForError maps checkout failures to HTTP status codes
func statusForError(err error) int {
	var (
		transportErr *temprepo.TransportError
		formatErr    *temprepo.ArchiveFormatError
		unsafeErr    *temprepo.UnsafeArchiveError
		layoutErr    *temprepo.LayoutError
	)
	switch {
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	case errors.As(err, &formatErr), errors.As(err, &unsafeErr), errors.As(err, &layoutErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set(contentTypeHeader, "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Warnf("Failed to write JSON error response: %v", err)
	}
}
