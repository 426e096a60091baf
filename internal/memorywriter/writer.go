package memorywriter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/metrics"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ProviderFactory builds a one-shot LLM provider for a decrypted
// per-user API key. In production this is llm.NewOpenAIProvider (or an
// equivalent Anthropic constructor) wrapped to satisfy the signature;
// tests supply a fake that ignores the key entirely.
type ProviderFactory func(apiKey string) (llm.Provider, error)

// Writer extracts and applies durable memory operations for one user's
// closed (or periodically swept) conversation context.
type Writer struct {
	store       store.Store
	settings    SettingsStore
	providerFor ProviderFactory
	encKey      []byte
	config      Config
	logger      *slog.Logger

	// Metrics is optional; nil disables recording.
	Metrics *metrics.Metrics
}

// New constructs a Writer. encryptionKey must be exactly 32 bytes
// (chacha20poly1305's key size).
func New(st store.Store, settings SettingsStore, providerFor ProviderFactory, encryptionKey []byte, cfg Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:       st,
		settings:    settings,
		providerFor: providerFor,
		encKey:      encryptionKey,
		config:      cfg,
		logger:      logger.With("component", "memorywriter"),
	}
}

// RegisterHandlers wires this writer onto the memory-writes queue.
func (w *Writer) RegisterHandlers(worker *queue.Worker) {
	worker.Handle(queue.MemoryWrites, w.HandleMemoryWriteJob)
}

// Result summarizes one write, for observability and tests.
type Result struct {
	Skipped         bool
	SkipReason      SkipReason
	AppliedCount    int
	SkippedOpCount  int
	RawResponseHead string // first 2000 chars of the model's raw reply
}

// HandleMemoryWriteJob is the queue.Handler for the memory-writes queue.
func (w *Writer) HandleMemoryWriteJob(ctx context.Context, job *queue.Job) error {
	var payload queue.MemoryWritePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode memory write payload: %w", err)
	}
	_, err := w.Write(ctx, payload)
	return err
}

// Write runs one extraction-and-apply cycle for payload.
func (w *Writer) Write(ctx context.Context, payload queue.MemoryWritePayload) (*Result, error) {
	settings, err := w.settings.GetUserSettings(ctx, payload.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user settings: %w", err)
	}

	apiKey, skip := resolveAPIKey(settings, w.encKey)
	if skip != "" {
		w.logger.Info("memory write skipped", "user", payload.UserID, "reason", skip)
		w.Metrics.MemoryWriteFinished("skipped:" + string(skip))
		return &Result{Skipped: true, SkipReason: skip}, nil
	}

	segment, err := w.loadSegment(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("load segment: %w", err)
	}
	if len(segment) == 0 {
		w.Metrics.MemoryWriteFinished("skipped:" + string(SkipEmptySegment))
		return &Result{Skipped: true, SkipReason: SkipEmptySegment}, nil
	}

	current, err := w.store.ListMemories(ctx, payload.UserID, false)
	if err != nil {
		return nil, fmt.Errorf("load current memories: %w", err)
	}

	provider, err := w.providerFor(apiKey)
	if err != nil {
		return nil, fmt.Errorf("construct provider: %w", err)
	}
	client := llm.NewClient(provider)

	req := buildRequest(segment, current, w.config, w.config.LLMTimeoutSeconds)
	value, resp, err := client.CompleteJSON(ctx, req, parseOps, w.config.MaxJsonRetries)
	if err != nil {
		return nil, fmt.Errorf("extract memory ops: %w", err)
	}
	ops := parseOpsList(value)

	applied, skipped := w.applyOps(ctx, payload.UserID, ops)

	if n, err := w.dedupeAndEnforceCaps(ctx, payload.UserID); err != nil {
		w.logger.Warn("dedupe/enforce caps failed", "user", payload.UserID, "error", err)
	} else if n > 0 {
		w.logger.Debug("archived memories during cap enforcement", "user", payload.UserID, "count", n)
	}

	rawHead := resp.Text
	if len(rawHead) > 2000 {
		rawHead = rawHead[:2000]
	}

	w.Metrics.MemoryWriteFinished("applied")

	return &Result{
		AppliedCount:    applied,
		SkippedOpCount:  skipped,
		RawResponseHead: rawHead,
	}, nil
}

// loadSegment returns the conversation turns to extract from: the pinned
// segment if the payload names one, else the last MaxMessages messages
// of the context.
func (w *Writer) loadSegment(ctx context.Context, payload queue.MemoryWritePayload) ([]*models.Message, error) {
	if len(payload.SegmentMessageIDs) > 0 {
		all, err := w.store.LoadConversation(ctx, payload.ChannelID, payload.ContextID, 0)
		if err != nil {
			return nil, err
		}
		wanted := make(map[string]bool, len(payload.SegmentMessageIDs))
		for _, id := range payload.SegmentMessageIDs {
			wanted[id] = true
		}
		var out []*models.Message
		for _, m := range all {
			if wanted[m.ID] {
				out = append(out, m)
			}
		}
		return out, nil
	}
	return w.store.LoadConversation(ctx, payload.ChannelID, payload.ContextID, w.config.MaxMessages)
}

// applyOps applies each op under spec.md SS4.4's rules: secret
// rejection, the per-level value-length cap (values are truncated),
// upsert-by-(userId,module,key), and touch semantics. Per-level item
// caps are not checked here; dedupeAndEnforceCaps applies them afterwards.
// Returns (applied, skipped) counts.
func (w *Writer) applyOps(ctx context.Context, userID string, ops []Op) (applied, skipped int) {
	for _, op := range ops {
		if (op.Op == opAdd || op.Op == opUpdate) && looksLikeSecret(op.Value) {
			skipped++
			w.logger.Warn("rejected op with secret-looking value", "user", userID, "module", op.Module, "key", op.Key)
			continue
		}

		if err := w.applyOne(ctx, userID, op); err != nil {
			skipped++
			w.logger.Warn("failed to apply memory op", "user", userID, "op", op.Op, "error", err)
			continue
		}
		applied++
		w.Metrics.MemoryOpApplied(string(op.Op))
	}
	return applied, skipped
}

func (w *Writer) applyOne(ctx context.Context, userID string, op Op) error {
	now := time.Now()

	switch op.Op {
	case opAdd, opUpdate:
		levelCap := models.LevelCaps[op.Level]
		value := op.Value
		if levelCap.MaxChars > 0 && len(value) > levelCap.MaxChars {
			value = value[:levelCap.MaxChars]
		}
		existing, err := w.store.GetMemory(ctx, userID, op.Module, op.Key)
		if err != nil {
			return err
		}
		item := existing
		if item == nil {
			item = &models.MemoryItem{
				ID:        fmt.Sprintf("%s-%s-%s", userID, op.Module, op.Key),
				UserID:    userID,
				CreatedAt: now,
			}
		}
		item.Level = op.Level
		item.Module = op.Module
		item.Key = op.Key
		item.Value = value
		item.Confidence = op.Confidence
		item.Archived = false
		item.LastSeenAt = now
		return w.store.UpsertMemory(ctx, item)

	case opTouch:
		item, err := w.store.GetMemory(ctx, userID, op.Module, op.Key)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("touch: no existing memory for %s/%s", op.Module, op.Key)
		}
		item.Archived = false
		item.LastSeenAt = now
		return w.store.UpsertMemory(ctx, item)

	case opDelete:
		item, err := w.store.GetMemory(ctx, userID, op.Module, op.Key)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		if item.Pinned {
			return fmt.Errorf("delete: %s/%s is pinned", op.Module, op.Key)
		}
		return w.store.ArchiveMemory(ctx, item.ID)

	default:
		return fmt.Errorf("unrecognized op %q", op.Op)
	}
}

var normalizeValuePattern = regexp.MustCompile(`[^a-z0-9]+`)

// normalizedValue lowercases and collapses non-alphanumerics, the
// duplicate-by-value key spec.md SS4.4 names.
func normalizedValue(v string) string {
	return strings.Trim(normalizeValuePattern.ReplaceAllString(strings.ToLower(v), ""), "")
}

// dedupeAndEnforceCaps archives duplicates by (module, key) and by
// (module, normalized value) (keeping the most recent lastSeenAt), then for each
// level archives the oldest non-pinned items until the level is under
// cap. Returns the total number of items archived.
func (w *Writer) dedupeAndEnforceCaps(ctx context.Context, userID string) (int, error) {
	items, err := w.store.ListMemories(ctx, userID, false)
	if err != nil {
		return 0, err
	}

	var archived int

	byKey := make(map[string][]*models.MemoryItem)
	for _, it := range items {
		k := string(it.Module) + "\x1f" + it.Key
		byKey[k] = append(byKey[k], it)
	}
	for _, group := range byKey {
		if n, err := w.archiveAllButNewest(ctx, group); err != nil {
			return archived, err
		} else {
			archived += n
		}
	}

	// Re-load: the (module,key) pass above may have archived items.
	items, err = w.store.ListMemories(ctx, userID, false)
	if err != nil {
		return archived, err
	}
	byValue := make(map[string][]*models.MemoryItem)
	for _, it := range items {
		k := string(it.Module) + "\x1f" + normalizedValue(it.Value)
		byValue[k] = append(byValue[k], it)
	}
	for _, group := range byValue {
		if len(group) < 2 {
			continue
		}
		if n, err := w.archiveAllButNewest(ctx, group); err != nil {
			return archived, err
		} else {
			archived += n
		}
	}

	items, err = w.store.ListMemories(ctx, userID, false)
	if err != nil {
		return archived, err
	}
	byLevel := make(map[int][]*models.MemoryItem)
	for _, it := range items {
		byLevel[it.Level] = append(byLevel[it.Level], it)
	}
	for level, group := range byLevel {
		levelCap := models.LevelCaps[level]
		if levelCap.MaxItems <= 0 || len(group) <= levelCap.MaxItems {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].LastSeenAt.Before(group[j].LastSeenAt) })
		over := len(group) - levelCap.MaxItems
		for _, it := range group {
			if over <= 0 {
				break
			}
			if it.Pinned {
				continue
			}
			if err := w.store.ArchiveMemory(ctx, it.ID); err != nil {
				return archived, err
			}
			archived++
			over--
		}
	}

	return archived, nil
}

// archiveAllButNewest archives every item in group except the one with
// the latest LastSeenAt, skipping pinned items.
func (w *Writer) archiveAllButNewest(ctx context.Context, group []*models.MemoryItem) (int, error) {
	if len(group) < 2 {
		return 0, nil
	}
	newest := group[0]
	for _, it := range group[1:] {
		if it.LastSeenAt.After(newest.LastSeenAt) {
			newest = it
		}
	}
	var archived int
	for _, it := range group {
		if it.ID == newest.ID || it.Pinned {
			continue
		}
		if err := w.store.ArchiveMemory(ctx, it.ID); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}
