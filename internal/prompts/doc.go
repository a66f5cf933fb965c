// Package prompts contains all model-facing and user-facing text that
// Tally emits on its own: the analyst system prompt, the research
// preambles sent to the search backend, the status lines injected
// between tool rounds, and the canned capability document.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, are embedded at
// compile time, and can be validated by tests.
//
// Convention: each prompt category gets its own file with an exported
// constant or function returning the fully interpolated text.
package prompts
