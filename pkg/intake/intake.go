package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearthci/stoker/pkg/cache"
	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/errdefs"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/storage"
	"github.com/hearthci/stoker/pkg/types"
)

// Webhook headers. The signature covers the raw body with the shared
// secret, hex-encoded with a scheme prefix.
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-Hook-Event"
	HeaderDelivery  = "X-Hook-Delivery"

	signaturePrefix = "sha256="
)

// EventJobRequested is the only event kind that creates a job. Other
// kinds are counted and dropped.
const EventJobRequested = "job_requested"

// Sink receives translated jobs in state Received. The orchestrator
// wires this to the router and the queue engine.
type Sink interface {
	Submit(ctx context.Context, job *types.Job) error
}

// Ack is the positive ingest result.
type Ack struct {
	Duplicate bool
	JobID     string
}

// payload is the inbound webhook body.
type payload struct {
	Event          string   `json:"event"`
	DeliveryID     string   `json:"delivery_id"`
	Action         string   `json:"action"`
	Repository     string   `json:"repository"`
	Workflow       string   `json:"workflow"`
	Ref            string   `json:"ref"`
	WorkflowRunID  int64    `json:"workflow_run_id"`
	JobID          int64    `json:"job_id"`
	Labels         []string `json:"labels"`
	InstallationID string   `json:"installation_id"`
}

// Intake validates, deduplicates, and translates webhook deliveries.
type Intake struct {
	cfg    config.IntakeConfig
	cache  cache.Store
	store  storage.Store
	sink   Sink
	logger zerolog.Logger
}

func New(cfg config.IntakeConfig, kv cache.Store, store storage.Store, sink Sink) *Intake {
	return &Intake{
		cfg:    cfg,
		cache:  kv,
		store:  store,
		sink:   sink,
		logger: log.WithComponent("intake"),
	}
}

// Ingest processes one delivery. Rejections carry the response code in
// the error message: bad_signature is a security error, missing_event
// and bad_payload are validation errors, everything after the
// signature check is transient so the platform retries.
func (i *Intake) Ingest(ctx context.Context, header http.Header, body []byte) (Ack, error) {
	if err := i.verifySignature(header.Get(HeaderSignature), body); err != nil {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Ack{}, err
	}

	event := header.Get(HeaderEvent)
	if event == "" {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Ack{}, errdefs.Validationf("missing_event")
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Repository == "" {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Ack{}, errdefs.Validationf("bad_payload")
	}
	deliveryID := p.DeliveryID
	if deliveryID == "" {
		deliveryID = header.Get(HeaderDelivery)
	}
	if deliveryID == "" {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Ack{}, errdefs.Validationf("bad_payload")
	}

	if event != EventJobRequested {
		metrics.WebhooksReceived.WithLabelValues("dropped").Inc()
		i.logger.Debug().Str("event", event).Str("delivery_id", deliveryID).Msg("dropped event kind")
		return Ack{}, nil
	}

	dup, err := i.seen(ctx, deliveryID)
	if err != nil {
		return Ack{}, errdefs.Wrap(errdefs.KindTransient, err, "dedup check failed")
	}
	if dup {
		metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
		return Ack{Duplicate: true}, nil
	}

	job := i.translate(&p)
	if err := i.sink.Submit(ctx, job); err != nil {
		// Release the cache claim so the platform's retry is not
		// mistaken for a duplicate. The durable mirror was never
		// written.
		i.cache.Delete(ctx, dedupKey(deliveryID))
		return Ack{}, errdefs.Wrap(errdefs.KindTransient, err, "submit failed")
	}

	// The job exists durably; now the delivery id may be recorded.
	if err := i.store.MarkDelivery(deliveryID); err != nil {
		i.logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("dedup mirror write failed")
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	i.logger.Info().
		Str("job_id", job.ID).
		Str("delivery_id", deliveryID).
		Str("repository", job.Repository).
		Msg("accepted delivery")
	return Ack{JobID: job.ID}, nil
}

// verifySignature checks the HMAC-SHA256 of the raw body in constant
// time.
func (i *Intake) verifySignature(got string, body []byte) error {
	if i.cfg.SignatureSecret == "" {
		return errdefs.Fatalf("intake signature secret is not configured")
	}
	if !strings.HasPrefix(got, signaturePrefix) {
		return errdefs.Securityf("bad_signature")
	}

	mac := hmac.New(sha256.New, []byte(i.cfg.SignatureSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(strings.TrimPrefix(got, signaturePrefix))) {
		return errdefs.Securityf("bad_signature")
	}
	return nil
}

func dedupKey(deliveryID string) string {
	return "intake:delivery:" + deliveryID
}

// seen reports whether the delivery id was already accepted, claiming
// it in the cache as a side effect. The cache is the fast path; the
// durable mirror catches cache loss.
func (i *Intake) seen(ctx context.Context, deliveryID string) (bool, error) {
	fresh, err := i.cache.SetNX(ctx, dedupKey(deliveryID), "1", i.cfg.DedupTTL)
	if err == nil && !fresh {
		return true, nil
	}
	return i.store.SeenDelivery(deliveryID, i.cfg.DedupTTL)
}

// translate builds the Received job from the platform payload. The
// workflow field carries the ref as "<name>@<ref>" so the router can
// tell default-branch runs apart.
func (i *Intake) translate(p *payload) *types.Job {
	workflow := p.Workflow
	if p.Ref != "" {
		workflow += "@" + p.Ref
	}
	return &types.Job{
		ID:              uuid.New().String(),
		DeliveryID:      p.DeliveryID,
		Repository:      p.Repository,
		Workflow:        workflow,
		RequestedLabels: p.Labels,
		State:           types.JobStateReceived,
	}
}
