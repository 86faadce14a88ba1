package interview

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DecisionInput 追问决策的输入
type DecisionInput struct {
	InterviewID string
	Question    Question
	Answer      string
	Analysis    string
}

// FollowUpDecider 决定在QUESTIONING状态下是追问还是进入下一题
type FollowUpDecider interface {
	ShouldFollowUp(in DecisionInput) bool
}

// DeciderFunc 函数适配器
type DeciderFunc func(in DecisionInput) bool

func (f DeciderFunc) ShouldFollowUp(in DecisionInput) bool {
	return f(in)
}

// Always 固定返回值的决策器，测试用
func Always(followUp bool) FollowUpDecider {
	return DeciderFunc(func(DecisionInput) bool { return followUp })
}

// RandomDecider 均匀随机抽样，小于阈值时追问
type RandomDecider struct {
	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
}

// NewRandomDecider 创建随机决策器，seed为0时使用当前时间
func NewRandomDecider(probability float64, seed int64) *RandomDecider {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &RandomDecider{rng: rand.New(rand.NewSource(seed))}
	d.SetProbability(probability)
	return d
}

// SetProbability 调整追问概率（配置热更新使用）
func (d *RandomDecider) SetProbability(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	d.mu.Lock()
	d.probability = p
	d.mu.Unlock()
}

// Probability 当前追问概率
func (d *RandomDecider) Probability() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probability
}

func (d *RandomDecider) ShouldFollowUp(DecisionInput) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.probability
}

var followUpVerdict = regexp.MustCompile(`(?i)follow[_ -]?up\s*:\s*(yes|no)`)

// AnalysisDecider 优先采用分析结果中的 "FOLLOW_UP: yes|no" 结论，没有结论时交给Fallback
type AnalysisDecider struct {
	Fallback FollowUpDecider
}

func (d AnalysisDecider) ShouldFollowUp(in DecisionInput) bool {
	if verdict, ok := ParseFollowUpVerdict(in.Analysis); ok {
		return verdict
	}
	if d.Fallback == nil {
		return false
	}
	return d.Fallback.ShouldFollowUp(in)
}

// ParseFollowUpVerdict 从分析文本中提取追问结论，取最后一次出现
func ParseFollowUpVerdict(analysis string) (bool, bool) {
	matches := followUpVerdict.FindAllStringSubmatch(analysis, -1)
	if len(matches) == 0 {
		return false, false
	}
	last := matches[len(matches)-1]
	return strings.EqualFold(last[1], "yes"), true
}
