package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/aman-churiwal/tier-gate/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream error")

// Proxy forwards admitted requests to one upstream. Upstream 5xx responses
// and transport errors count against its circuit breaker.
type Proxy struct {
	target  *url.URL
	reverse *httputil.ReverseProxy
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func New(targetURL string, cb circuitbreaker.Config, logger *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", targetURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: scheme and host are required", targetURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cb.Name == "" {
		cb.Name = target.Host
	}
	if cb.Logger == nil {
		cb.Logger = logger
	}
	if cb.IsFailure == nil {
		cb.IsFailure = circuitbreaker.IgnoreCallerErrors
	}

	p := &Proxy{
		target:  target,
		breaker: circuitbreaker.New(cb),
		logger:  logger,
	}

	p.reverse = httputil.NewSingleHostReverseProxy(target)
	p.reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn("upstream request failed", zap.String("upstream", target.Host), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	return p, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	err := p.breaker.Call(func() error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = p.target.Host
		if clientIP := c.ClientIP(); clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}

		p.reverse.ServeHTTP(recorder, req)

		// A client that went away is not an upstream failure.
		if err := req.Context().Err(); err != nil {
			return err
		}
		if recorder.statusCode >= 500 {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("circuit breaker open", zap.String("upstream", p.target.Host))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

func (p *Proxy) Target() string {
	return p.target.String()
}

func (p *Proxy) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
