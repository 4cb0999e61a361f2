package converter

import "testing"

func TestKeywordClassifier_Classify(t *testing.T) {
	k := NewKeywordClassifier(nil)

	tests := []struct {
		text string
		want string
	}{
		{"", MotionIdle},
		{"the weather report", MotionIdle},
		{"哈哈，太开心了", MotionHappy},
		{"对不起，是我的错", MotionApology},
		{"Thank you so much!", MotionThanks},
		{"欢迎回来", MotionWelcome},
		{"WOW that is amazing, I'm so excited", MotionExcited},
		{"为什么会这样呢", MotionQuestion},
		{"see you tomorrow, goodbye", MotionGoodbye},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := k.Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestKeywordClassifier_TieGoesToEarlierRule(t *testing.T) {
	k := NewKeywordClassifier([]MotionRule{
		{Type: MotionHappy, Keywords: []string{"ab"}},
		{Type: MotionSad, Keywords: []string{"cd"}},
	})
	if got := k.Classify("abcd"); got != MotionHappy {
		t.Errorf("Classify() = %q, want %q", got, MotionHappy)
	}
	if got := k.Classify("cd"); got != MotionSad {
		t.Errorf("Classify() = %q, want %q", got, MotionSad)
	}
}

func TestKeywordClassifier_Match(t *testing.T) {
	k := NewKeywordClassifier(nil)

	m := k.Match("Thank you, thanks a lot")
	if m.Type != MotionThanks {
		t.Fatalf("Match().Type = %q, want %q", m.Type, MotionThanks)
	}
	if m.Score != len("thank you")+len("thanks") {
		t.Errorf("Match().Score = %d", m.Score)
	}
	if len(m.Keywords) != 2 || m.Keywords[0] != "thank you" || m.Keywords[1] != "thanks" {
		t.Errorf("Match().Keywords = %v", m.Keywords)
	}

	idle := k.Match("plain words")
	if idle.Type != MotionIdle || idle.Score != 0 || len(idle.Keywords) != 0 {
		t.Errorf("Match() on unmatched text = %+v", idle)
	}
}

func TestKeywordClassifier_RulesIsACopy(t *testing.T) {
	k := NewKeywordClassifier([]MotionRule{{Type: MotionHappy, Keywords: []string{"YAY"}}})
	rules := k.Rules()
	if len(rules) != 1 || rules[0].Keywords[0] != "yay" {
		t.Fatalf("Rules() = %+v", rules)
	}
	rules[0].Keywords[0] = "nope"
	if got := k.Classify("yay"); got != MotionHappy {
		t.Errorf("Classify() after mutating Rules() = %q", got)
	}
}
