package joiner

const systemPrompt = "You review the progress of an automated security assessment and decide whether it is finished."

// defaultReplanPrompt is used when no replan template is configured.
// Placeholders: {{USER_QUERY}}, {{ROUND}}, {{MAX_ROUNDS}}, {{PLAN_SUMMARY}},
// {{EXECUTION_SUMMARY}}, {{DECISION_HISTORY}}.
const defaultReplanPrompt = `Decide the next step of the workflow.

Original query:
{{USER_QUERY}}

Round {{ROUND}} of at most {{MAX_ROUNDS}}.

Plan for this round:
{{PLAN_SUMMARY}}

Execution results:
{{EXECUTION_SUMMARY}}

Previous decisions:
{{DECISION_HISTORY}}

Choose:
- COMPLETE if the query is sufficiently answered or continuing is unlikely to help.
- CONTINUE if more information is needed and another round of tasks could obtain it.
  Say in "feedback" what the next plan should do differently.

Return ONLY JSON:
{
  "decision": "COMPLETE or CONTINUE",
  "reasoning": "why",
  "confidence": 0.9,
  "feedback": "guidance for the next plan (CONTINUE only)",
  "answer": "short answer to the query (COMPLETE only)"
}
`
