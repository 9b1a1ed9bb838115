package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/devproxy/devproxy/internal/pipeline"
	"github.com/devproxy/devproxy/internal/util"
)

// DataPlane is the listener clients aim their HTTP traffic at. It
// converts net/http requests into pipeline.Request values, runs them
// through the Pipeline, and writes back whatever the pipeline returns.
type DataPlane struct {
	addr         string
	httpServer   *http.Server
	pipeline     *pipeline.Pipeline
	logger       *util.Logger
	maxBodyBytes int64
}

// NewDataPlane creates a DataPlane bound to addr.
func NewDataPlane(addr string, pl *pipeline.Pipeline, logger *util.Logger, maxBodyBytes int64) *DataPlane {
	dp := &DataPlane{
		addr:         addr,
		pipeline:     pl,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
	dp.httpServer = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(dp.handle),
	}
	return dp
}

// Start runs the data-plane listener. It blocks until Stop closes it.
func (dp *DataPlane) Start() error {
	dp.logger.Infof("data plane listening on %s", dp.addr)
	err := dp.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the listener.
func (dp *DataPlane) Stop(ctx context.Context) error {
	return dp.httpServer.Shutdown(ctx)
}

func (dp *DataPlane) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		dp.logger.Debugf("%s %s took %v", r.Method, r.URL.String(), time.Since(start))
	}()

	var body []byte
	if dp.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, dp.maxBodyBytes)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		dp.writeError(w, http.StatusRequestEntityTooLarge, util.NewError(util.BodyTooLarge, "request body too large", nil))
		return
	}
	body = data

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	clientIP := clientIPOf(r)

	resp, err := dp.pipeline.Handle(r.Context(), &pipeline.Request{
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Headers:  headers,
		Body:     body,
		ClientIP: clientIP,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		dp.writeError(w, http.StatusInternalServerError, util.NewError(util.Internal, "pipeline error", err.Error()))
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (dp *DataPlane) writeError(w http.ResponseWriter, status int, err *util.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Message})
}

func clientIPOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
