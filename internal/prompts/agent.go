package prompts

// StatusResearching is the status turn appended after the model asks
// for research and before any tool runs.
const StatusResearching = "Researching… pulling the latest market data and news."

// StatusAnalyzing is the status turn appended once tool results are in
// and the model is about to read them.
const StatusAnalyzing = "Data retrieved. Analyzing the results…"
