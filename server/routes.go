package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/envconfig"
	"github.com/ollama/videoedit/pipeline"
	"github.com/ollama/videoedit/scheduler"
	"github.com/ollama/videoedit/synthetic"
)

var ErrMaxQueue = errors.New("server busy, please try again.  maximum pending requests exceeded")

const (
	defaultFrames = 4
	defaultSize   = 64

	// the synthetic source is rendered in memory for every request
	maxFrames = 32
	maxSize   = 256
)

// Server runs edits on one synthetic pipeline. The pipeline's attention
// registry holds a single controller, so edits run one at a time.
type Server struct {
	pipeline *pipeline.Pipeline

	queue *semaphore.Weighted
	run   *semaphore.Weighted
}

// New builds a server around a fresh synthetic backend. maxQueue bounds the
// number of edit requests waiting or running at once.
func New(maxQueue int) (*Server, error) {
	if maxQueue <= 0 {
		return nil, fmt.Errorf("max queue must be positive, got %d", maxQueue)
	}

	backend, err := synthetic.NewBackend()
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(backend.Components(attention.StoreConfig{SaveSelfAttention: true}))
	if err != nil {
		return nil, err
	}

	return &Server{
		pipeline: p,
		queue:    semaphore.NewWeighted(int64(maxQueue)),
		run:      semaphore.NewWeighted(1),
	}, nil
}

func (s *Server) Close() error {
	return s.pipeline.Close()
}

type EditRequest struct {
	// Options are decoded over the default edit options.
	Options map[string]any `json:"options"`
	// Frames is the length of the synthetic source video.
	Frames int `json:"frames,omitempty"`
}

type TokenResponse struct {
	Index int     `json:"index"`
	Token string  `json:"token"`
	Mean  float64 `json:"mean"`
	Peak  float64 `json:"peak"`
}

type EditResponse struct {
	RunID      string          `json:"run_id"`
	Edit       string          `json:"edit"`
	Shape      []int           `json:"shape"`
	Frames     []int           `json:"frames,omitempty"`
	Trajectory int             `json:"trajectory"`
	Masks      int             `json:"masks"`
	Attention  []TokenResponse `json:"attention,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

type ScheduleStep struct {
	Step      int     `json:"step"`
	Timestep  int     `json:"timestep"`
	Alpha     float64 `json:"alpha"`
	AlphaPrev float64 `json:"alpha_prev"`
	Sigma     float64 `json:"sigma"`
}

type ScheduleResponse struct {
	Steps     []ScheduleStep `json:"steps"`
	Denoised  int            `json:"denoised"`
	StepRatio int            `json:"step_ratio"`
}

func (s *Server) EditHandler(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := pipeline.DefaultOptions()
	opts.Height, opts.Width = defaultSize, defaultSize
	opts.DType = envconfig.DType
	opts.DiskStore = envconfig.DiskStore
	if err := opts.FromMap(req.Options); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := opts.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	frames := req.Frames
	if frames == 0 {
		frames = defaultFrames
	}
	switch {
	case frames < 0 || frames > maxFrames:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("frames must be in [1, %d], got %d", maxFrames, frames)})
		return
	case opts.Width != opts.Height:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("the synthetic source is square, got %dx%d", opts.Width, opts.Height)})
		return
	case opts.Height > maxSize:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("height and width must be at most %d, got %d", maxSize, opts.Height)})
		return
	}

	if !s.queue.TryAcquire(1) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrMaxQueue.Error()})
		return
	}
	defer s.queue.Release(1)

	ctx := c.Request.Context()
	if err := s.run.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("aborting edit request due to client closing the connection")
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	defer s.run.Release(1)

	start := time.Now()
	res, err := s.pipeline.Edit(ctx, opts, pipeline.Source{Pixels: synthetic.Video(frames, opts.Height), Frames: frames})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			slog.Info("edit canceled", "error", err)
		case errors.Is(err, pipeline.ErrInvalidOptions), errors.Is(err, pipeline.ErrMissingSource):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.Error("edit failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	resp := EditResponse{
		RunID:      res.RunID,
		Edit:       opts.EditType.String(),
		Shape:      res.Latents.Shape().Dims(),
		Trajectory: res.Trajectory.Len(),
		Masks:      len(res.Masks),
		Duration:   time.Since(start),
	}
	if res.Frames != nil {
		resp.Frames = res.Frames.Shape().Clone()
	}
	for _, ta := range res.Attention {
		resp.Attention = append(resp.Attention, TokenResponse{Index: ta.Index, Token: ta.Token, Mean: ta.Mean, Peak: ta.Peak})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ScheduleHandler(c *gin.Context) {
	steps, strength := 50, 1.0
	var err error
	if v := c.Query("steps"); v != "" {
		if steps, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid steps %q", v)})
			return
		}
	}
	if v := c.Query("strength"); v != "" {
		if strength, err = strconv.ParseFloat(v, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid strength %q", v)})
			return
		}
	}
	if strength <= 0 || strength > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("strength should be in (0.0, 1.0] but is %g", strength)})
		return
	}

	sched, err := scheduler.NewDDIM(scheduler.DefaultConfig())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := sched.SetTimesteps(steps); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timesteps, k := scheduler.TrimForStrength(sched.Timesteps(), strength)
	resp := ScheduleResponse{
		Steps:     make([]ScheduleStep, 0, len(timesteps)),
		Denoised:  k,
		StepRatio: scheduler.StepRatio(sched),
	}
	for i, t := range timesteps {
		alpha := sched.AlphaCumprod(t)
		prev := sched.FinalAlphaCumprod()
		if t-resp.StepRatio >= 0 {
			prev = sched.AlphaCumprod(t - resp.StepRatio)
		}
		resp.Steps = append(resp.Steps, ScheduleStep{Step: i, Timestep: t, Alpha: alpha, AlphaPrev: prev, Sigma: math.Sqrt(1 - alpha)})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config))

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "videoedit is running")
		})
	}

	r.POST("/api/edit", s.EditHandler)
	r.GET("/api/schedule", s.ScheduleHandler)
	r.GET("/api/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, envconfig.Values())
	})
	return r
}

// Serve answers requests on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener) error {
	s, err := New(envconfig.MaxQueuedRequests)
	if err != nil {
		return err
	}
	defer s.Close()

	srvr := &http.Server{Handler: s.GenerateRoutes()}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srvr.Shutdown(shutdown); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}()

	slog.Info(fmt.Sprintf("Listening on %s", ln.Addr()))
	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
