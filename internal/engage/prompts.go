package engage

import "github.com/companionkit/engage/internal/escalation"

// Nudge prompt banks, one per tone phase. These are instructions to the
// model, not the message text itself.
var nudgePrompts = map[escalation.Phase][]string{
	escalation.PhaseMissing: {
		"The user has been quiet for a while. Reach out warmly, say you were thinking of them, and ask how they are doing.",
		"It has been a while since the user wrote. Send a casual, caring check-in about their day.",
		"The user went quiet. Share a small thought that reminded you of them and ask what they are up to.",
	},
	escalation.PhaseLetdown: {
		"The user still has not replied. Admit you are a little disappointed not to hear back, but keep it light and friendly.",
		"Another message went unanswered. Gently say you miss chatting and wonder if they are busy.",
	},
	escalation.PhaseRespectful: {
		"Several messages have gone unanswered. Acknowledge they are probably busy, keep it short and undemanding.",
		"The user keeps not replying. Send a brief, understanding note that you are around whenever they have time.",
	},
	escalation.PhaseFinal: {
		"This is the last check-in for now. Say you will stop bothering them and will be here whenever they want to talk.",
		"Send a final, graceful message: no pressure, you will wait for them to reach out.",
	},
}

func (e *Engine) nudgePrompt(phase escalation.Phase) string {
	bank := nudgePrompts[phase]
	if len(bank) == 0 {
		bank = nudgePrompts[escalation.PhaseMissing]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bank[e.rng.Intn(len(bank))]
}
