package usage

import (
	"sync"

	"chatvault/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator 精确 token 计数器，支持 tiktoken 和启发式回退
// Estimator provides token counting with tiktoken and heuristic fallback.
// Providers that report usage themselves bypass it; it only backfills
// records for providers that do not.
type Estimator struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool // 是否使用启发式回退 / whether using heuristic fallback
	mu           sync.RWMutex
}

var (
	defaultEstimator     *Estimator
	defaultEstimatorOnce sync.Once
)

// DefaultEstimator 返回全局默认实例 / returns the global default instance.
func DefaultEstimator() *Estimator {
	defaultEstimatorOnce.Do(func() {
		defaultEstimator = NewEstimator("cl100k_base")
	})
	return defaultEstimator
}

// NewEstimator 创建计数器，tiktoken 初始化失败则回退到启发式
// NewEstimator creates an estimator, falling back to the heuristic when
// tiktoken cannot initialize (offline environments lack the BPE cache).
func NewEstimator(encodingName string) *Estimator {
	e := &Estimator{encodingName: encodingName}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		e.fallback = true
		return e
	}
	e.encoder = enc
	return e
}

// CountText 计算一段文本的 token 数 / token count for one text.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.fallback || e.encoder == nil {
		return heuristicCount(text)
	}
	return len(e.encoder.Encode(text, nil, nil))
}

// CountMessages 计算消息列表的总 token 数，含每条消息的固定开销
// CountMessages returns the total for a message list, including a small
// fixed per-message overhead for role/framing tokens.
func (e *Estimator) CountMessages(messages []chat.Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, msg := range messages {
		total += e.CountText(msg.Content) + perMessageOverhead
	}
	return total
}

// heuristicCount 启发式估算：平均每 4 字符约 1 token
// heuristicCount approximates one token per 4 characters.
func heuristicCount(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	count := n / 4
	if count == 0 {
		count = 1
	}
	return count
}
