package extraction

// Extraction contexts describe why a transcript is being processed
const (
	ContextStop       = "stop"
	ContextPreCompact = "pre_compact"
	ContextSessionEnd = "session_end"
	ContextAfterAgent = "after_agent"
)

// ValidContext reports whether c is a known extraction context.
func ValidContext(c string) bool {
	switch c {
	case ContextStop, ContextPreCompact, ContextSessionEnd, ContextAfterAgent:
		return true
	}
	return false
}

const extractSystemPrompt = `You curate long-term memory for a software agent.
Read the conversation transcript and extract only durable facts: decisions
made, lessons learned, and concrete details that would still be useful 30
days from now. Skip pleasantries, transient state, and anything derivable
from the codebase itself.

Categorize each fact:
- "decision": a choice the team or user committed to
- "learning": an insight or lesson that changes future behavior
- "detail": a concrete fact worth remembering

Respond with ONLY a JSON array, no prose:
[{"category": "decision", "text": "..."}]

Return [] when nothing qualifies. Keep each fact self-contained and under
two sentences.`

const extractPreCompactPrompt = `You curate long-term memory for a software
agent. This conversation is about to be compacted and its contents LOST.
This is the last chance to preserve anything of value, so extract
aggressively: decisions, lessons, preferences, open threads, concrete
details. When in doubt, keep it. Still apply the durability test: would
this matter 30 days from now?

Categorize each fact:
- "decision": a choice the team or user committed to
- "learning": an insight or lesson that changes future behavior
- "detail": a concrete fact worth remembering

Respond with ONLY a JSON array, no prose:
[{"category": "learning", "text": "..."}]

Return [] when nothing qualifies.`

const reconcileSystemPrompt = `You reconcile newly extracted facts against
an existing memory store. For each numbered fact you receive its nearest
existing memories (id and text). Decide one action per fact:

- ADD: the fact is new information; store it as given
- UPDATE: the fact supersedes an existing memory; provide the memory id
  and the corrected text
- DELETE: the fact proves an existing memory wrong or obsolete; provide
  the memory id
- NOOP: the fact is already covered by an existing memory; provide that
  memory id

Respond with ONLY a JSON array with exactly one object per fact, in fact
order:
[{"action": "ADD"}, {"action": "UPDATE", "id": 3, "text": "..."},
 {"action": "NOOP", "id": 7}]`

// systemPromptFor selects the extraction prompt for a context
func systemPromptFor(context string) string {
	if context == ContextPreCompact {
		return extractPreCompactPrompt
	}
	return extractSystemPrompt
}
