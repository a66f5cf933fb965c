package prompts

// CapabilityVersion identifies the revision of [CapabilityDocument].
// Bump it whenever the document text changes.
const CapabilityVersion = "2026.10"

// CapabilityDocument is the canned answer to greetings and "what can you
// do" questions. It is Markdown; the API can render it as HTML.
const CapabilityDocument = `# Hi, I'm Tally

I'm a market research assistant. Ask me about companies, sectors,
markets, and the news that moves them, and I'll research it live and
give you a sourced answer.

## What I can do
- **Company research**: fundamentals, recent earnings, guidance,
  valuation, and how a stock has been trading.
- **Risk analysis**: tail risks, competitive threats, regulatory and
  supply-chain exposure.
- **News digests**: what happened this week for a ticker, sector, or theme.
- **Comparisons**: two or more companies side by side.
- **Macro context**: rates, inflation prints, and central bank moves.

## Things to try
- "What are NVIDIA's tail risks?"
- "Summarise Apple's last earnings call."
- "Compare AMD and Intel data-center revenue growth."
- "What moved oil prices this week?"

## Good to know
- I cite my sources so you can check them.
- I describe and analyse; I don't give personal buy or sell advice.
- Research can take a few seconds. I'll let you know while I'm working.`
