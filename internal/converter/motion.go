package converter

import (
	"strings"
	"unicode/utf8"
)

// Motion types understood by the client, in tie-break order.
const (
	MotionIdle      = "idle"
	MotionSpeaking  = "speaking"
	MotionThinking  = "thinking"
	MotionHappy     = "happy"
	MotionSurprised = "surprised"
	MotionAngry     = "angry"
	MotionSad       = "sad"
	MotionAgree     = "agree"
	MotionDisagree  = "disagree"
	MotionQuestion  = "question"
	MotionWelcome   = "welcome"
	MotionThanks    = "thanks"
	MotionApology   = "apology"
	MotionGoodbye   = "goodbye"
	MotionExcited   = "excited"
)

// MotionClassifier maps reply text to a motion type.
type MotionClassifier interface {
	Classify(text string) string
}

// MotionRule lists the keywords that vote for one motion type.
type MotionRule struct {
	Type     string   `json:"type"`
	Keywords []string `json:"keywords"`
}

// DefaultMotionRules covers Chinese and English replies.
var DefaultMotionRules = []MotionRule{
	{MotionIdle, []string{"待机", "空闲", "等待", "默认", "standby", "waiting"}},
	{MotionSpeaking, []string{"说", "讲", "表达", "说话", "tell", "speak"}},
	{MotionThinking, []string{"想", "思考", "思考中", "琢磨", "疑惑", "为什么", "如何", "hmm", "let me think", "thinking", "wonder"}},
	{MotionHappy, []string{"开心", "高兴", "快乐", "愉快", "欢乐", "哈哈", "笑", "太好了", "happy", "glad", "haha", "joy"}},
	{MotionSurprised, []string{"惊讶", "意外", "哇", "天啊", "不会吧", "真的吗", "震惊", "wow", "really?", "surprised", "no way"}},
	{MotionAngry, []string{"生气", "愤怒", "恼火", "气死", "讨厌", "烦", "不爽", "angry", "annoyed", "furious"}},
	{MotionSad, []string{"难过", "伤心", "悲伤", "哭", "郁闷", "失落", "痛苦", "sad", "sorry to hear", "upset"}},
	{MotionAgree, []string{"是的", "对的", "没错", "同意", "肯定", "当然", "确实", "agreed", "exactly", "of course"}},
	{MotionDisagree, []string{"不是", "不对", "错了", "不同意", "否定", "当然不", "没有", "disagree", "not really", "wrong"}},
	{MotionQuestion, []string{"什么", "怎么", "如何", "哪里", "谁", "为什么", "吗", "呢", "what", "where", "why"}},
	{MotionWelcome, []string{"欢迎", "你好", "您好", "大家好", "来了", "欢迎回来", "hello", "welcome", "hi there"}},
	{MotionThanks, []string{"谢谢", "感谢", "谢了", "多谢", "感谢你", "太感谢了", "thank you", "thanks"}},
	{MotionApology, []string{"对不起", "抱歉", "不好意思", "道歉", "错怪", "抱歉抱歉", "sorry", "apologize"}},
	{MotionGoodbye, []string{"再见", "拜拜", "88", "下次见", "回头见", "告别", "goodbye", "bye", "see you"}},
	{MotionExcited, []string{"兴奋", "激动", "太棒了", "太好了", "万岁", "厉害", "牛", "awesome", "amazing", "excited"}},
}

// KeywordClassifier scores every rule by the summed rune length of its
// keywords found in the text. The first rule with the best score wins; no
// match means idle.
type KeywordClassifier struct {
	rules []MotionRule
}

func NewKeywordClassifier(rules []MotionRule) *KeywordClassifier {
	if rules == nil {
		rules = DefaultMotionRules
	}
	lowered := make([]MotionRule, len(rules))
	for i, r := range rules {
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		lowered[i] = MotionRule{Type: r.Type, Keywords: kws}
	}
	return &KeywordClassifier{rules: lowered}
}

func (k *KeywordClassifier) Classify(text string) string {
	return k.Match(text).Type
}

// MotionMatch explains one classification.
type MotionMatch struct {
	Type     string   `json:"type"`
	Score    int      `json:"score"`
	Keywords []string `json:"keywords"`
}

// Match classifies text and reports the keywords of the winning rule found in it.
func (k *KeywordClassifier) Match(text string) MotionMatch {
	text = strings.ToLower(strings.TrimSpace(text))
	best := MotionMatch{Type: MotionIdle, Keywords: []string{}}
	if text == "" {
		return best
	}

	for _, rule := range k.rules {
		score := 0
		var hits []string
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, kw) {
				score += utf8.RuneCountInString(kw)
				hits = append(hits, kw)
			}
		}
		if score > best.Score {
			best = MotionMatch{Type: rule.Type, Score: score, Keywords: hits}
		}
	}
	return best
}

// Rules returns a copy of the rules in tie-break order.
func (k *KeywordClassifier) Rules() []MotionRule {
	out := make([]MotionRule, len(k.rules))
	for i, r := range k.rules {
		out[i] = MotionRule{Type: r.Type, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}
