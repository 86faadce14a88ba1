package interview

// Script 面试官的固定台词与兜底内容
type Script struct {
	Introduction      string   `yaml:"introduction" json:"introduction"`
	Conclusion        string   `yaml:"conclusion" json:"conclusion"`
	Farewell          string   `yaml:"farewell" json:"farewell"`
	Termination       string   `yaml:"termination" json:"termination"`
	FollowUpFallback  string   `yaml:"follow_up_fallback" json:"followUpFallback"`
	FallbackQuestions []string `yaml:"fallback_questions" json:"fallbackQuestions"`
}

// DefaultScript 内置台词
func DefaultScript() Script {
	return Script{
		Introduction: "Hello, and welcome! I'm the AI interviewer for today's session. " +
			"Before we dive in, could you briefly introduce yourself and your background?",
		Conclusion: "Thank you, that covers all of my questions. " +
			"Is there anything you would like to add, or any questions you have for us?",
		Farewell: "Thank you for your time today. The hiring team will review the conversation " +
			"and get back to you with next steps. Goodbye!",
		Termination:      "The interview has been ended.",
		FollowUpFallback: "Could you walk me through that in a bit more detail, with a concrete example?",
		FallbackQuestions: []string{
			"What drew you to this role, and what do you expect to work on day to day?",
			"Walk me through the design of a system you built recently. What trade-offs did you make?",
			"Tell me about a time you disagreed with a teammate. How did you handle it?",
			"How do you debug a problem that only shows up in production?",
			"What would you want to accomplish in your first three months here?",
		},
	}
}

// WithDefaults 空字段使用内置台词
func (s Script) WithDefaults() Script {
	def := DefaultScript()
	if s.Introduction == "" {
		s.Introduction = def.Introduction
	}
	if s.Conclusion == "" {
		s.Conclusion = def.Conclusion
	}
	if s.Farewell == "" {
		s.Farewell = def.Farewell
	}
	if s.Termination == "" {
		s.Termination = def.Termination
	}
	if s.FollowUpFallback == "" {
		s.FollowUpFallback = def.FollowUpFallback
	}
	if len(s.FallbackQuestions) == 0 {
		s.FallbackQuestions = def.FallbackQuestions
	}
	return s
}
