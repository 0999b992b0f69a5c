package usage

import (
	"context"
	"fmt"
	"strings"

	"chatvault/internal/chat"
	"chatvault/internal/storage"
)

// Recorder 将每轮对话的用量写入存储的追加式 usage 集合
// Recorder appends per-turn usage to the store's append-only collection.
type Recorder struct {
	store     storage.Store
	estimator *Estimator
}

func NewRecorder(store storage.Store, estimator *Estimator) *Recorder {
	if estimator == nil {
		estimator = DefaultEstimator()
	}
	return &Recorder{store: store, estimator: estimator}
}

// Record 记录一次交互的用量；零 token 的记录由存储层丢弃
// Record persists one exchange's usage. Zero-token records are dropped by
// the store contract.
func (r *Recorder) Record(ctx context.Context, modelSelector string, inputTokens, outputTokens int, cost float64) error {
	provider, modelID := SplitModelSelector(modelSelector)
	rec := storage.UsageRecord{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Provider:     provider,
		ModelID:      modelID,
		Timestamp:    storage.NowUTC(),
	}
	if err := r.store.AppendUsage(ctx, rec); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// RecordEstimated 提供方未报告用量时按消息内容回填估算值
// RecordEstimated backfills estimated counts from the exchanged messages
// when the provider does not report usage.
func (r *Recorder) RecordEstimated(ctx context.Context, modelSelector string, input, output []chat.Message) error {
	return r.Record(ctx, modelSelector,
		r.estimator.CountMessages(input),
		r.estimator.CountMessages(output), 0)
}

// Totals 汇总 / aggregate totals across all usage records.
type Totals struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Records      int
}

func (r *Recorder) Totals(ctx context.Context) (Totals, error) {
	records, err := r.store.ListUsage(ctx)
	if err != nil {
		return Totals{}, fmt.Errorf("list usage: %w", err)
	}
	var t Totals
	for _, rec := range records {
		t.InputTokens += rec.InputTokens
		t.OutputTokens += rec.OutputTokens
		t.Cost += rec.Cost
		t.Records++
	}
	return t, nil
}

// TotalsByModel 按模型分组汇总 / totals grouped by model id.
func (r *Recorder) TotalsByModel(ctx context.Context) (map[string]Totals, error) {
	records, err := r.store.ListUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	out := make(map[string]Totals)
	for _, rec := range records {
		t := out[rec.ModelID]
		t.InputTokens += rec.InputTokens
		t.OutputTokens += rec.OutputTokens
		t.Cost += rec.Cost
		t.Records++
		out[rec.ModelID] = t
	}
	return out, nil
}

// SplitModelSelector 拆分 "provider:modelId" 选择器
// SplitModelSelector splits a "provider:modelId" selector string.
func SplitModelSelector(selector string) (provider, modelID string) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return "", ""
	}
	parts := strings.SplitN(selector, ":", 2)
	if len(parts) == 1 {
		return "", parts[0]
	}
	return parts[0], parts[1]
}
