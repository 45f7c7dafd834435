package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"curri-chat/internal/domain"
)

const defaultTitleDelay = 2 * time.Second

// titlePromptFormat is the summarization prompt for the one-shot title job.
const titlePromptFormat = `Give a short title (at most six words) for the conversation below. Reply with the title only, no quotes.

%s`

// job is one in-flight generation attempt. The sequence number is compared
// at the fold/persist boundary so a superseded attempt's result is
// discarded instead of racing a newer attempt's writes.
type job struct {
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// ControllerOptions tunes a Controller.
type ControllerOptions struct {
	// TitleDelay is the pause before the one-shot title job fires after a
	// successful exchange. Zero means the default.
	TitleDelay time.Duration
	// DefaultModel preselects a model id.
	DefaultModel string
	// Temperature and TopP are forwarded to every generation request.
	Temperature *float64
	TopP        *float64
	// Transformers shape the outbound request, in order.
	Transformers []Transformer
}

// Controller owns one conversation: its in-memory transcript, the single
// live generation job, and the derived edit/regenerate/title operations.
// All transcript mutation is linearized through the controller's mutex;
// external observers subscribe to the event bus.
type Controller struct {
	repo     domain.ConversationRepository
	files    domain.FileManager
	handler  *Handler
	resolver ProviderResolver
	bus      domain.EventBus
	logger   *slog.Logger

	titleDelay   time.Duration
	temperature  *float64
	topP         *float64
	transformers []Transformer

	mu         sync.Mutex
	conv       domain.Conversation
	providers  []domain.ProviderSettings
	modelID    string
	jobSeq     uint64
	job        *job
	titleTimer *time.Timer
}

// NewController creates a controller over a fresh in-memory conversation.
// Call Load to attach it to a persisted one.
func NewController(repo domain.ConversationRepository, files domain.FileManager, handler *Handler, resolver ProviderResolver, bus domain.EventBus, providers []domain.ProviderSettings, opts ControllerOptions, logger *slog.Logger) *Controller {
	delay := opts.TitleDelay
	if delay <= 0 {
		delay = defaultTitleDelay
	}
	return &Controller{
		repo:         repo,
		files:        files,
		handler:      handler,
		resolver:     resolver,
		bus:          bus,
		logger:       logger,
		titleDelay:   delay,
		temperature:  opts.Temperature,
		topP:         opts.TopP,
		transformers: opts.Transformers,
		conv:         domain.NewConversation(domain.NewID()),
		providers:    providers,
		modelID:      opts.DefaultModel,
	}
}

// Load attaches the controller to the conversation with the given id,
// falling back to an unpersisted placeholder when the id is unknown.
// Any in-flight job is cancelled.
func (c *Controller) Load(ctx context.Context, id string) error {
	loaded, err := c.repo.GetByID(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrConversationNotFound) {
		return domain.WrapOp("load conversation", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelJobLocked()
	c.cancelTitleLocked()
	if loaded != nil {
		c.conv = *loaded
	} else {
		c.conv = domain.NewConversation(id)
	}
	return nil
}

// Conversation returns a copy of the current conversation state.
func (c *Controller) Conversation() domain.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetProviders replaces the provider accounts used for model resolution.
func (c *Controller) SetProviders(providers []domain.ProviderSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = providers
}

// SetModel selects the model for subsequent generation attempts.
func (c *Controller) SetModel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelID = id
}

// ModelID returns the currently selected model id, possibly empty.
func (c *Controller) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelID
}

// Send appends a user message and starts a generation attempt. Empty parts
// are a no-op. Any previous job is cancelled first; the append happens
// before the new job starts, so user input is never lost to cancellation.
func (c *Controller) Send(ctx context.Context, parts []domain.Part) error {
	if domain.IsEmptyParts(parts) {
		return nil
	}

	c.mu.Lock()
	c.cancelJobLocked()
	c.cancelTitleLocked()

	msg := domain.NewMessage(domain.RoleUser, parts)
	msgs := make([]domain.Message, 0, len(c.conv.Messages)+1)
	msgs = append(msgs, c.conv.Messages...)
	c.conv.Messages = append(msgs, msg)
	c.conv.UpdatedAt = time.Now()
	conv := c.snapshotLocked()

	model, settings, err := c.resolveModelLocked()
	if err != nil {
		c.mu.Unlock()
		c.publishTranscript(ctx, conv)
		c.reportFailure(ctx, conv.ID, err)
		return err
	}
	c.startGenerationLocked(*model, *settings)
	c.mu.Unlock()

	c.publishTranscript(ctx, conv)
	return nil
}

// Edit replaces the parts of the message with the given id (identity, not
// content) and regenerates from the edited message. Empty parts are a no-op.
func (c *Controller) Edit(ctx context.Context, messageID string, parts []domain.Part) error {
	if domain.IsEmptyParts(parts) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOfLocked(messageID)
	if idx < 0 {
		return domain.NewDomainError("Controller.Edit", domain.ErrInvalidInput, "unknown message id "+messageID)
	}
	c.cancelJobLocked()
	c.cancelTitleLocked()

	before := c.conv.Messages
	msgs := make([]domain.Message, len(before))
	copy(msgs, before)
	msgs[idx] = msgs[idx].WithParts(parts)
	c.conv.Messages = msgs
	c.conv.UpdatedAt = time.Now()
	if err := c.files.DeleteOrphans(before, msgs); err != nil {
		c.logger.Warn("orphan cleanup failed", "conversation", c.conv.ID, "error", err)
	}

	return c.regenerateAtLocked(ctx, msgs[idx])
}

// RegenerateAt redoes the exchange anchored at the message with the given
// id. A user anchor keeps the transcript through that message; any other
// anchor walks back to the nearest preceding user turn. The truncated
// transcript is persisted before the new attempt starts.
func (c *Controller) RegenerateAt(ctx context.Context, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOfLocked(messageID)
	if idx < 0 {
		return domain.NewDomainError("Controller.RegenerateAt", domain.ErrInvalidInput, "unknown message id "+messageID)
	}
	c.cancelJobLocked()
	c.cancelTitleLocked()

	return c.regenerateAtLocked(ctx, c.conv.Messages[idx])
}

// Cancel stops the active generation job, if any. Already-appended messages
// stay; the transcript keeps whatever the last successful fold produced.
// Calling Cancel with no active job is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelJobLocked()
}

// Wait blocks until the current generation job, if any, finishes.
func (c *Controller) Wait() {
	c.mu.Lock()
	var done chan struct{}
	if c.job != nil {
		done = c.job.done
	}
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels any in-flight work and waits for it to wind down.
func (c *Controller) Close() {
	c.mu.Lock()
	var done chan struct{}
	if c.job != nil {
		done = c.job.done
	}
	c.cancelJobLocked()
	c.cancelTitleLocked()
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GenerateTitle runs the title job once: it summarizes the transcript with
// a direct provider call and persists the result. Skipped when the title is
// already set. A blank provider response is the empty-result error.
func (c *Controller) GenerateTitle(ctx context.Context) error {
	c.mu.Lock()
	if strings.TrimSpace(c.conv.Title) != "" || len(c.conv.Messages) == 0 {
		c.mu.Unlock()
		return nil
	}
	msgs := make([]domain.Message, len(c.conv.Messages))
	copy(msgs, c.conv.Messages)
	convID := c.conv.ID
	model, settings, err := c.resolveModelLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	provider, err := c.resolver.ForSettings(*settings)
	if err != nil {
		return err
	}

	var history strings.Builder
	for _, m := range msgs {
		history.WriteString(m.Summary())
		history.WriteByte('\n')
	}
	prompt := fmt.Sprintf(titlePromptFormat, history.String())

	chunk, err := provider.GenerateText(ctx, *settings,
		[]domain.Message{domain.NewTextMessage(domain.RoleUser, prompt)},
		domain.GenerationParams{Model: model.ID},
	)
	if err != nil {
		return domain.WrapOp("generate title", err)
	}

	title := ""
	if len(chunk.Choices) > 0 {
		if m := chunk.Choices[0].Msg(); m != nil {
			title = strings.TrimSpace(m.Text())
		}
	}
	title = strings.Trim(title, `"`)
	if title == "" {
		return domain.NewDomainError("Controller.GenerateTitle", domain.ErrEmptyResult, "title response was blank")
	}

	c.mu.Lock()
	if strings.TrimSpace(c.conv.Title) != "" {
		c.mu.Unlock()
		return nil
	}
	c.conv.Title = title
	c.conv.UpdatedAt = time.Now()
	conv := c.snapshotLocked()
	err = c.persistLocked(ctx, conv)
	c.mu.Unlock()
	if err != nil {
		return domain.WrapOp("persist title", err)
	}

	payload, _ := json.Marshal(domain.TitleUpdatedPayload{Title: title})
	c.publish(ctx, domain.EventTitleUpdated, convID, payload)
	return nil
}

// --- internals ---

// regenerateAtLocked truncates the transcript at the anchor, persists, and
// starts a new generation attempt. Caller holds c.mu.
func (c *Controller) regenerateAtLocked(ctx context.Context, anchor domain.Message) error {
	idx := c.indexOfLocked(anchor.ID)
	if idx < 0 {
		return domain.NewDomainError("Controller.RegenerateAt", domain.ErrInvalidInput, "unknown message id "+anchor.ID)
	}

	keep := idx
	if anchor.Role != domain.RoleUser {
		keep = -1
		for i := idx - 1; i >= 0; i-- {
			if c.conv.Messages[i].Role == domain.RoleUser {
				keep = i
				break
			}
		}
		if keep < 0 {
			return domain.NewDomainError("Controller.RegenerateAt", domain.ErrInvalidInput, "no user message precedes "+anchor.ID)
		}
	}

	before := c.conv.Messages
	msgs := make([]domain.Message, keep+1)
	copy(msgs, before[:keep+1])
	c.conv.Messages = msgs
	c.conv.UpdatedAt = time.Now()
	if err := c.files.DeleteOrphans(before, msgs); err != nil {
		c.logger.Warn("orphan cleanup failed", "conversation", c.conv.ID, "error", err)
	}

	conv := c.snapshotLocked()
	if err := c.persistLocked(ctx, conv); err != nil {
		return domain.WrapOp("persist truncated transcript", err)
	}
	c.publishTranscript(ctx, conv)

	model, settings, err := c.resolveModelLocked()
	if err != nil {
		c.reportFailure(ctx, conv.ID, err)
		return err
	}
	c.startGenerationLocked(*model, *settings)
	return nil
}

// startGenerationLocked launches the generation goroutine for the current
// transcript. Caller holds c.mu and has already cancelled the previous job.
func (c *Controller) startGenerationLocked(model domain.Model, settings domain.ProviderSettings) {
	c.jobSeq++
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{seq: c.jobSeq, cancel: cancel, done: make(chan struct{})}
	c.job = j

	snapshot := make([]domain.Message, len(c.conv.Messages))
	copy(snapshot, c.conv.Messages)

	go c.runGeneration(jctx, j, c.conv.ID, model, settings, snapshot)
}

func (c *Controller) runGeneration(ctx context.Context, j *job, convID string, model domain.Model, settings domain.ProviderSettings, snapshot []domain.Message) {
	defer close(j.done)
	defer j.cancel()

	c.publish(ctx, domain.EventGenerationStarted, convID, nil)

	params := domain.GenerationParams{
		Model:       model.ID,
		Temperature: c.temperature,
		TopP:        c.topP,
	}
	updates := c.handler.StreamText(ctx, settings, params, snapshot, c.transformers)

	for update := range updates {
		if update.Err != nil {
			if errors.Is(update.Err, context.Canceled) {
				c.logger.Debug("generation cancelled", "conversation", convID)
				return
			}
			c.reportFailure(ctx, convID, update.Err)
			return
		}
		if !c.commit(ctx, j.seq, update.Messages) {
			// Superseded by a newer attempt; discard the result.
			return
		}
	}

	c.publish(ctx, domain.EventGenerationCompleted, convID, nil)
	c.scheduleTitle()
}

// commit applies one transcript snapshot if the job is still current, and
// persists it. Returns false when the attempt is stale. The staleness check
// and the write happen under the same lock, so a cancelled attempt can
// never clobber a newer attempt's persisted state.
func (c *Controller) commit(ctx context.Context, seq uint64, messages []domain.Message) bool {
	c.mu.Lock()
	if c.job == nil || c.job.seq != seq || ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.conv.Messages = messages
	c.conv.UpdatedAt = time.Now()
	conv := c.snapshotLocked()
	err := c.persistLocked(context.WithoutCancel(ctx), conv)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("persist conversation failed", "conversation", conv.ID, "error", err)
	}
	c.publishTranscript(ctx, conv)
	return true
}

// persistLocked writes through to the repository: insert on first write,
// update afterwards. Caller holds c.mu.
func (c *Controller) persistLocked(ctx context.Context, conv domain.Conversation) error {
	_, err := c.repo.GetByID(ctx, conv.ID)
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		return c.repo.Insert(ctx, conv)
	case err != nil:
		return err
	default:
		return c.repo.Update(ctx, conv)
	}
}

// scheduleTitle arms the one-shot delayed title job. Any newer send, edit,
// or regenerate disarms it, so a stale title never lands after the user has
// moved on.
func (c *Controller) scheduleTitle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(c.conv.Title) != "" {
		return
	}
	convID := c.conv.ID
	if c.titleTimer != nil {
		c.titleTimer.Stop()
	}
	c.titleTimer = time.AfterFunc(c.titleDelay, func() {
		if err := c.GenerateTitle(context.Background()); err != nil {
			// Title generation is best effort; failures are logged, never
			// surfaced.
			c.logger.Warn("title generation failed", "conversation", convID, "error", err)
		}
	})
}

func (c *Controller) resolveModelLocked() (*domain.Model, *domain.ProviderSettings, error) {
	if c.modelID == "" {
		return nil, nil, domain.NewDomainError("Controller.resolveModel", domain.ErrModelNotSelected, "")
	}
	model := domain.FindModelByID(c.providers, c.modelID)
	if model == nil {
		return nil, nil, domain.NewDomainError("Controller.resolveModel", domain.ErrModelNotSelected, "unknown model "+c.modelID)
	}
	settings := domain.FindProviderForModel(c.providers, *model)
	if settings == nil || !settings.Enabled {
		return nil, nil, domain.NewDomainError("Controller.resolveModel", domain.ErrModelNotSelected, "no enabled provider for "+c.modelID)
	}
	return model, settings, nil
}

func (c *Controller) cancelJobLocked() {
	if c.job == nil {
		return
	}
	c.job.cancel()
	c.job = nil
}

func (c *Controller) cancelTitleLocked() {
	if c.titleTimer == nil {
		return
	}
	c.titleTimer.Stop()
	c.titleTimer = nil
}

func (c *Controller) indexOfLocked(messageID string) int {
	for i, m := range c.conv.Messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

func (c *Controller) snapshotLocked() domain.Conversation {
	conv := c.conv
	conv.Messages = make([]domain.Message, len(c.conv.Messages))
	copy(conv.Messages, c.conv.Messages)
	return conv
}

func (c *Controller) publish(ctx context.Context, t domain.EventType, convID string, payload json.RawMessage) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{
		Type:           t,
		Timestamp:      time.Now(),
		ConversationID: convID,
		Payload:        payload,
	})
}

func (c *Controller) publishTranscript(ctx context.Context, conv domain.Conversation) {
	payload, err := json.Marshal(conv)
	if err != nil {
		c.logger.Error("marshal transcript event", "conversation", conv.ID, "error", err)
		return
	}
	c.publish(ctx, domain.EventTranscriptUpdated, conv.ID, payload)
}

func (c *Controller) reportFailure(ctx context.Context, convID string, err error) {
	c.logger.Error("generation failed", "conversation", convID, "error", err)
	payload, _ := json.Marshal(domain.GenerationFailedPayload{
		Code:    domain.ErrorCodeOf(err),
		Message: err.Error(),
	})
	c.publish(ctx, domain.EventGenerationFailed, convID, payload)
}
