// Package control exposes the pipeline over MQTT: camera and system
// commands in, status, metrics and command acknowledgements out.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/dispatch"
	"maskguard-service/internal/queue"
	"maskguard-service/internal/sink"
	"maskguard-service/internal/supervisor"
	"maskguard-service/internal/worker"
)

var ErrUnknownAction = errors.New("unknown action")

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler sink.MessageHandler) error
}

type pipeline interface {
	Status() supervisor.Status
	Enable(sourceID string) error
	Disable(sourceID string) error
	Restart(ctx context.Context, sourceID string) error
}

// Command is the payload accepted on the control topics. CameraID may be
// omitted when the camera is named by the topic.
type Command struct {
	CameraID string         `json:"camera_id,omitempty"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
}

type Response struct {
	CommandAck string    `json:"command_ack"`
	CameraID   string    `json:"camera_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type statusMessage struct {
	Timestamp     time.Time         `json:"timestamp"`
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	ActiveCameras int               `json:"active_cameras"`
	Pipeline      supervisor.Status `json:"pipeline"`
}

type metricsMessage struct {
	Timestamp time.Time                     `json:"timestamp"`
	Queue     queue.Stats                   `json:"queue"`
	Workers   worker.Stats                  `json:"workers"`
	Sinks     map[string]dispatch.SinkStats `json:"sinks"`
}

type Config struct {
	TopicPrefix    string
	CommandBuffer  int
	CommandTimeout time.Duration
	// Shutdown is called for the system "shutdown" action; nil rejects it.
	Shutdown func()
}

type inbound struct {
	kind     string
	cameraID string
	cmd      Command
}

type Handler struct {
	cfg      Config
	pub      sink.Publisher
	sub      Subscriber
	pipeline pipeline
	log      zerolog.Logger
	started  time.Time
	now      func() time.Time

	commands chan inbound
}

func NewHandler(cfg Config, pub sink.Publisher, sub Subscriber, p pipeline, log zerolog.Logger) *Handler {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 16
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		pub:      pub,
		sub:      sub,
		pipeline: p,
		log:      log.With().Str("component", "control").Logger(),
		started:  time.Now(),
		now:      time.Now,
		commands: make(chan inbound, cfg.CommandBuffer),
	}
}

func (h *Handler) topic(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if p := strings.Trim(h.cfg.TopicPrefix, "/"); p != "" {
		all = append(all, p)
	}
	return strings.Join(append(all, parts...), "/")
}

// Start subscribes to the control topics and processes commands until ctx
// ends. Commands run one at a time off the MQTT delivery goroutine.
func (h *Handler) Start(ctx context.Context) error {
	subs := map[string]sink.MessageHandler{
		h.topic("control", "camera"):      h.onCamera,
		h.topic("control", "camera", "+"): h.onCamera,
		h.topic("control", "system"):      h.onSystem,
		h.topic("status", "request"):      h.onStatusRequest,
	}
	for t, fn := range subs {
		if err := h.sub.Subscribe(ctx, t, fn); err != nil {
			return fmt.Errorf("control subscription %s: %w", t, err)
		}
	}

	go h.process(ctx)
	h.log.Info().Str("prefix", h.cfg.TopicPrefix).Msg("control plane started")
	return nil
}

func (h *Handler) onCamera(topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("invalid camera command")
		h.respond(context.Background(), Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}
	cameraID := cmd.CameraID
	if prefix := h.topic("control", "camera") + "/"; strings.HasPrefix(topic, prefix) {
		cameraID = strings.TrimPrefix(topic, prefix)
	}
	h.enqueue(inbound{kind: "camera", cameraID: cameraID, cmd: cmd})
}

func (h *Handler) onSystem(topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("invalid system command")
		h.respond(context.Background(), Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}
	h.enqueue(inbound{kind: "system", cmd: cmd})
}

func (h *Handler) onStatusRequest(string, []byte) {
	h.enqueue(inbound{kind: "system", cmd: Command{Action: "status"}})
}

func (h *Handler) enqueue(in inbound) {
	select {
	case h.commands <- in:
	default:
		h.log.Warn().Str("action", in.cmd.Action).Msg("command queue full, dropping command")
	}
}

func (h *Handler) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-h.commands:
			h.handle(ctx, in)
		}
	}
}

func (h *Handler) handle(ctx context.Context, in inbound) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()

	var err error
	if in.kind == "camera" {
		err = h.camera(ctx, in.cameraID, in.cmd.Action)
	} else {
		err = h.system(ctx, in.cmd.Action)
	}

	resp := Response{CommandAck: in.cmd.Action, CameraID: in.cameraID, Status: "success"}
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		h.log.Warn().Err(err).Str("action", in.cmd.Action).Str("camera_id", in.cameraID).Msg("control command failed")
	} else {
		h.log.Info().Str("action", in.cmd.Action).Str("camera_id", in.cameraID).Msg("control command applied")
	}
	h.respond(context.WithoutCancel(ctx), resp)
}

func (h *Handler) camera(ctx context.Context, id, action string) error {
	if id == "" {
		return errors.New("camera_id is required")
	}
	switch action {
	case "start":
		return h.pipeline.Enable(id)
	case "stop":
		return h.pipeline.Disable(id)
	case "restart":
		return h.pipeline.Restart(ctx, id)
	case "status":
		return h.PublishStatus(ctx, h.pipeline.Status())
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (h *Handler) system(ctx context.Context, action string) error {
	switch action {
	case "status":
		return h.PublishStatus(ctx, h.pipeline.Status())
	case "restart":
		var errs []error
		for _, src := range h.pipeline.Status().Sources {
			if err := h.pipeline.Restart(ctx, src.SourceID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case "shutdown":
		if h.cfg.Shutdown == nil {
			return errors.New("shutdown not supported")
		}
		h.cfg.Shutdown()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// PublishStatus sends the pipeline snapshot to <prefix>/status/system.
func (h *Handler) PublishStatus(ctx context.Context, st supervisor.Status) error {
	active := 0
	for _, src := range st.Sources {
		if src.Running && !src.Disabled {
			active++
		}
	}
	return h.publish(ctx, h.topic("status", "system"), statusMessage{
		Timestamp:     h.now(),
		Status:        "running",
		UptimeSeconds: h.now().Sub(h.started).Seconds(),
		ActiveCameras: active,
		Pipeline:      st,
	})
}

// PublishMetrics sends queue, worker and sink counters to
// <prefix>/metrics/system.
func (h *Handler) PublishMetrics(ctx context.Context, st supervisor.Status) error {
	return h.publish(ctx, h.topic("metrics", "system"), metricsMessage{
		Timestamp: h.now(),
		Queue:     st.Queue,
		Workers:   st.Workers,
		Sinks:     st.Sinks,
	})
}

// OnHealth publishes status and metrics for a health tick.
func (h *Handler) OnHealth(st supervisor.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.PublishStatus(ctx, st); err != nil {
		h.log.Debug().Err(err).Msg("status publish failed")
	}
	if err := h.PublishMetrics(ctx, st); err != nil {
		h.log.Debug().Err(err).Msg("metrics publish failed")
	}
}

func (h *Handler) respond(ctx context.Context, resp Response) {
	resp.Timestamp = h.now()
	if err := h.publish(ctx, h.topic("control", "response"), resp); err != nil {
		h.log.Debug().Err(err).Str("action", resp.CommandAck).Msg("control response not published")
	}
}

func (h *Handler) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return h.pub.Publish(ctx, topic, payload)
}
