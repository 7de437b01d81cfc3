package classifier

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/corpus"
	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/pkg/anthropic"
)

// DefaultModel is the vision model used when none is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// ErrNoLabelMap is returned by PredictImages when a session has neither a
// trained label map nor any labeled images to derive one from.
var ErrNoLabelMap = eris.New("classifier: session has no label map")

// visionMediaTypes are the image types the model API accepts.
var visionMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// maxImageBytes is the API's per-image size limit.
const maxImageBytes = 5 << 20

// VisionConfig configures the vision classifier.
type VisionConfig struct {
	Model        string
	MaxTokens    int64
	MinBatchSize int
	Guard        GuardConfig
}

// Vision predicts labels by asking a multimodal model to pick one class from
// the session's label map for each image.
type Vision struct {
	*Trainer
	store  Store
	client anthropic.Client
	source corpus.Source
	ledger Ledger
	guard  *Guard
	model  string
	tokens int64
}

// NewVision creates a Vision classifier.
func NewVision(store Store, client anthropic.Client, source corpus.Source, ledger Ledger, cfg VisionConfig) *Vision {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 32
	}
	return &Vision{
		Trainer: NewTrainer(store, cfg.MinBatchSize),
		store:   store,
		client:  client,
		source:  source,
		ledger:  ledger,
		guard:   NewGuard(cfg.Guard),
		model:   cfg.Model,
		tokens:  cfg.MaxTokens,
	}
}

// PredictImages predicts up to budget unlabeled images that have no pending
// prediction. It returns false when no image was eligible. A failure on one
// image is recorded in the ledger and the batch moves on. Images that fail
// for reasons a retry cannot fix are marked so later batches pass over them
// until the session's label map changes. Images of a type the model cannot
// read are rejected without using the budget.
func (v *Vision) PredictImages(ctx context.Context, sessionID int64, budget int) (bool, error) {
	names, err := v.store.PredictionCandidates(ctx, sessionID, budget)
	if err != nil {
		return false, eris.Wrapf(err, "classifier: candidates %d", sessionID)
	}
	if len(names) == 0 {
		return false, nil
	}

	lm, err := v.labelMap(ctx, sessionID)
	if err != nil {
		return false, err
	}

	log := zap.L().With(zap.Int64("session_id", sessionID))
	var usage anthropic.TokenUsage
	var attempted, predicted, failed, rejected int
	// seen holds every name this batch has handled; retained counts those
	// still listed as candidates afterwards.
	seen := make(map[string]bool, len(names))
	var retained int
	for len(names) > 0 {
		var unreadable int
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			if err := ctx.Err(); err != nil {
				return true, eris.Wrap(err, "classifier: predict interrupted")
			}
			path := v.source.Path(name)

			if mediaType := corpus.MediaType(name); !visionMediaTypes[mediaType] {
				unsupported := eris.Errorf("classifier: unsupported media type %q for %s", mediaType, name)
				if err := v.reject(ctx, sessionID, name, path, unsupported); err != nil {
					return true, err
				}
				unreadable++
				continue
			}

			attempted++
			if v.guard.Open() {
				v.ledger.Record(ctx, sessionID, path, eris.Wrapf(ErrCircuitOpen, "skipped %s", name))
				failed++
				retained++
				continue
			}

			label, u, err := v.classify(ctx, path, name, lm)
			usage = usage.Add(u)
			if err != nil {
				failed++
				if v.guard.Transient(err) {
					v.ledger.Record(ctx, sessionID, path, err)
					retained++
					continue
				}
				if err := v.reject(ctx, sessionID, name, path, err); err != nil {
					return true, err
				}
				continue
			}
			if _, err := v.store.AddPrediction(ctx, sessionID, name, label); err != nil {
				return true, eris.Wrapf(err, "classifier: store prediction %q", name)
			}
			predicted++
		}
		rejected += unreadable

		// Rejected images no longer count as candidates, so refill the budget
		// they held with the next ones in line.
		if unreadable == 0 || attempted >= budget {
			break
		}
		names, err = v.store.PredictionCandidates(ctx, sessionID, budget-attempted+retained)
		if err != nil {
			return true, eris.Wrapf(err, "classifier: candidates %d", sessionID)
		}
	}

	usage.LogCost(v.model, "predict")
	log.Info("classifier: batch complete",
		zap.Int("attempted", attempted),
		zap.Int("predicted", predicted),
		zap.Int("failed", failed),
		zap.Int("rejected", rejected),
	)
	return true, nil
}

// reject records a permanent failure for name and drops it from later batches.
func (v *Vision) reject(ctx context.Context, sessionID int64, name, path string, cause error) error {
	v.ledger.Record(ctx, sessionID, path, cause)
	if err := v.store.MarkPredictionFailed(ctx, sessionID, name); err != nil {
		return eris.Wrapf(err, "classifier: mark prediction failed %q", name)
	}
	return nil
}

// labelMap returns the session's trained label map, or one derived from the
// classes labeled so far when the session has not been trained.
func (v *Vision) labelMap(ctx context.Context, sessionID int64) (model.LabelMap, error) {
	sess, err := v.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "classifier: session %d", sessionID)
	}
	if len(sess.LabelMap) > 0 {
		return sess.LabelMap, nil
	}

	h, err := v.store.ClassHistogram(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "classifier: histogram %d", sessionID)
	}
	classes := make([]string, 0, len(h.Classes))
	for _, c := range h.Classes {
		classes = append(classes, c.Label)
	}
	if len(classes) == 0 {
		return nil, eris.Wrapf(ErrNoLabelMap, "session %d", sessionID)
	}
	return model.NewLabelMap(classes), nil
}

func (v *Vision) classify(ctx context.Context, path, name string, lm model.LabelMap) (string, anthropic.TokenUsage, error) {
	var usage anthropic.TokenUsage

	mediaType := corpus.MediaType(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", usage, eris.Wrapf(err, "classifier: read %s", name)
	}
	if len(data) == 0 {
		return "", usage, eris.Errorf("classifier: %s is empty", name)
	}
	if len(data) > maxImageBytes {
		return "", usage, eris.Errorf("classifier: %s is %d bytes, limit %d", name, len(data), maxImageBytes)
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       v.model,
		MaxTokens:   v.tokens,
		Temperature: &temp,
		System: []anthropic.SystemBlock{{
			Text:         systemPrompt(lm),
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "Classify this image. Reply with the label only.",
			Images:  []anthropic.Image{{MediaType: mediaType, Data: data}},
		}},
	}

	var resp *anthropic.MessageResponse
	err = v.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = v.client.CreateMessage(ctx, req)
		return callErr
	})
	if err != nil {
		return "", usage, eris.Wrapf(err, "classifier: classify %s", name)
	}
	usage = resp.Usage

	label, ok := matchLabel(resp.Text(), lm)
	if !ok {
		return "", usage, eris.Errorf("classifier: %s: answer %q is not one of %v", name, resp.Text(), lm.Names())
	}
	return label, usage, nil
}

func systemPrompt(lm model.LabelMap) string {
	var b strings.Builder
	b.WriteString("You label images for a training dataset. ")
	b.WriteString("Answer with exactly one label from this list and nothing else:\n")
	for _, name := range lm.Names() {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.String()
}

// matchLabel maps a model answer onto the vocabulary. Surrounding
// whitespace, quotes, trailing punctuation and letter case are ignored.
func matchLabel(answer string, lm model.LabelMap) (string, bool) {
	a := strings.TrimSpace(answer)
	a = strings.Trim(a, "\"'`.!")
	a = strings.TrimPrefix(a, "- ")
	a = strings.TrimSpace(a)
	if _, ok := lm.Index(a); ok {
		return a, true
	}
	for _, name := range lm.Names() {
		if strings.EqualFold(name, a) {
			return name, true
		}
	}
	return "", false
}
