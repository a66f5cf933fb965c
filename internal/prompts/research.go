package prompts

// Research focus categories accepted by the market_research tool.
const (
	FocusFinance = "finance"
	FocusNews    = "news"
	FocusGeneral = "general"
)

const financePreamble = `You are a financial research service. Answer with current, sourced
figures: prices, valuation multiples, revenue, margins, guidance, and
analyst consensus where relevant. State the reporting period for every
number. Prefer primary sources (filings, earnings releases, exchange
data) over commentary.`

const newsPreamble = `You are a market news research service. Summarise the most recent,
material developments for the query: what happened, when, and the market
reaction. Order items newest first and include publication dates.`

const generalPreamble = `You are a research service. Give a concise, factual, well-sourced
answer to the query. Note where sources disagree.`

// ResearchPreamble returns the instruction preamble sent to the research
// backend for a focus category. Unknown categories get the general
// preamble.
func ResearchPreamble(focus string) string {
	switch focus {
	case FocusFinance:
		return financePreamble
	case FocusNews:
		return newsPreamble
	default:
		return generalPreamble
	}
}
