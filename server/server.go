// HTTP surface of the router: unary and streaming generation, health and
// metrics. All inference goes through the infer.Infer facade.

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/vladsavelyev/text-generation-inference/infer"
)

// Server serves the HTTP routes of the router.
type Server struct {
	infer *infer.Infer
	cfg   Config
}

// New creates a server around a wired facade.
func New(in *infer.Infer, cfg Config) *Server {
	return &Server{infer: in, cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/", measured("generate"), s.generate)
	r.POST("/generate", measured("generate"), s.generate)
	r.POST("/generate_stream", measured("generate_stream"), s.generateStream)
	r.GET("/", measured("health"), s.health)
	r.GET("/health", measured("health"), s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully so running
// requests can finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		logrus.Info("signal received, starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("shutdown: %v", err)
		}
	}()

	logrus.Infof("listening on %s", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) generate(c *gin.Context) {
	start := time.Now()

	req := infer.GenerateRequest{Parameters: infer.DefaultParameters()}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	wantDetails := req.Parameters.Details

	resp, err := s.infer.Generate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	generated := resp.GeneratedText
	generatedTokens := generated.GeneratedTokens
	if generatedTokens == 0 {
		generatedTokens = 1
	}

	totalTime := time.Since(start)
	validationTime := resp.QueuedAt.Sub(start)
	queueTime := resp.BatchStartedAt.Sub(resp.QueuedAt)
	inferenceTime := time.Since(resp.BatchStartedAt)
	timePerToken := inferenceTime / time.Duration(generatedTokens)

	c.Header("x-total-time", millis(totalTime))
	c.Header("x-validation-time", millis(validationTime))
	c.Header("x-queue-time", millis(queueTime))
	c.Header("x-inference-time", millis(inferenceTime))
	c.Header("x-time-per-token", millis(timePerToken))

	var details *Details
	if wantDetails {
		details = &Details{
			FinishReason:    generated.FinishReason,
			GeneratedTokens: generated.GeneratedTokens,
			Seed:            generated.Seed,
			Tokens:          tokenViews(resp.Tokens),
		}
	}

	logrus.Infof("output: %s", generated.Text)
	c.JSON(http.StatusOK, []GeneratedText{{
		GeneratedText: generated.Text,
		Details:       details,
	}})
}

func (s *Server) generateStream(c *gin.Context) {
	req := infer.GenerateRequest{Parameters: infer.DefaultParameters()}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	wantDetails := req.Parameters.Details

	stream, err := s.infer.GenerateStream(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	var tokens []infer.Token
	c.Stream(func(w io.Writer) bool {
		r, ok := <-stream
		if !ok {
			return false
		}
		switch r := r.(type) {
		case infer.StreamPrefill:
			// prompt tokens are not streamed
			return true
		case infer.StreamToken:
			tokens = append(tokens, r.Token)
			c.SSEvent("", StreamEvent{Token: tokenView(r.Token), GeneratedText: nil})
			return true
		case infer.StreamEnd:
			tokens = append(tokens, r.Token)
			var details *Details
			if wantDetails {
				details = &Details{
					FinishReason:    r.GeneratedText.FinishReason,
					GeneratedTokens: r.GeneratedText.GeneratedTokens,
					Seed:            r.GeneratedText.Seed,
					Tokens:          tokenViews(tokens),
				}
			}
			c.SSEvent("", StreamEvent{
				Token:         tokenView(r.Token),
				GeneratedText: &r.GeneratedText.Text,
				Details:       details,
			})
			return false
		case infer.StreamError:
			logrus.Errorf("stream failed: %v", r.Err)
			c.SSEvent("error", ErrorResponse{Error: r.Err.Error()})
			return false
		default:
			return true
		}
	})
}

// health pushes a one-token generation through the whole path. Heavier than
// a connectivity probe, but it exercises exactly what serving traffic needs.
func (s *Server) health(c *gin.Context) {
	req := infer.GenerateRequest{
		Inputs: "liveness",
		Parameters: infer.GenerateParameters{
			Temperature:  1.0,
			TopP:         1.0,
			MaxNewTokens: 1,
		},
	}
	if _, err := s.infer.Generate(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func writeError(c *gin.Context, err error) {
	logrus.Errorf("%v", err)
	c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var verr *infer.ValidationError
	var gerr *infer.GenerationError
	switch {
	case errors.Is(err, infer.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &gerr):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func tokenView(t infer.Token) TokenView {
	return TokenView{ID: t.ID, Text: t.Text, Logprob: t.Logprob}
}

func tokenViews(tokens []infer.Token) []TokenView {
	views := make([]TokenView, len(tokens))
	for i, t := range tokens {
		views[i] = tokenView(t)
	}
	return views
}
