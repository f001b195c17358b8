/*
ledger.go - The balance chain as an explicit fold

PURPOSE:
  A school's periods form a chain: each month opens with what the previous
  month closed with. Rather than mutating rows in place from several code
  paths, every recompute goes through ONE pure function:

    Recompute(previous, inputs) -> link

  and a chain is that function folded over time-ordered inputs.

CRITICAL INVARIANTS:
  1. CLOSING FORMULA: closing = round(opening + inflow - consumed, 2), always.
  2. CHAIN: for every link after the first, opening == previous.closing.
  3. SEED: the first link of a fold keeps its own (manually entered) opening.

ENTRY POINTS:
  Fold(inputs) is used with different starting points:
  - full chain rebuild: inputs = every period of the school
  - incremental write:  inputs = the edited period and everything after it
  - single sync:        inputs = exactly one period (opening untouched)

  All three are literally the same code.

EXAMPLE:
  April: opening 100, inflow 0, consumed 5   -> closing 95
  May:   opening 95 (from April), consumed 4 -> closing 91

SEE ALSO:
  - balance.go: Close() and Balance
  - meal/service.go: Loads ledger rows, folds, persists
*/
package generic

// LinkInput is the raw material for one period.
type LinkInput struct {
	Key PeriodKey

	// Opening is the stored opening. Used only when the link has no predecessor.
	Opening  SectionValues
	Inflow   SectionValues
	Consumed SectionValues
}

// Link is one computed period of the chain.
type Link struct {
	Key     PeriodKey `json:"key"`
	Primary Balance   `json:"primary"`
	Middle  Balance   `json:"middle"`
}

func (l Link) Section(s Section) Balance {
	if s == SectionMiddle {
		return l.Middle
	}
	return l.Primary
}

// Opening returns both sections' opening balances.
func (l Link) Opening() SectionValues {
	return SectionValues{Primary: l.Primary.Opening, Middle: l.Middle.Opening}
}

// Closing returns both sections' closing balances.
func (l Link) Closing() SectionValues {
	return SectionValues{Primary: l.Primary.Closing, Middle: l.Middle.Closing}
}

// Consumed returns both sections' consumption.
func (l Link) Consumed() SectionValues {
	return SectionValues{Primary: l.Primary.Consumed, Middle: l.Middle.Consumed}
}

// Recompute produces the link for one period. When prev is nil the stored
// opening is kept as the seed; otherwise opening is prev's closing.
func Recompute(prev *Link, in LinkInput) Link {
	opening := in.Opening
	if prev != nil {
		opening = prev.Closing()
	}
	return Link{
		Key:     in.Key,
		Primary: NewBalance(opening.Primary, in.Inflow.Primary, in.Consumed.Primary),
		Middle:  NewBalance(opening.Middle, in.Inflow.Middle, in.Consumed.Middle),
	}
}

// Fold recomputes inputs in order; inputs must be sorted ascending by period.
// The first input is treated as the seed.
func Fold(inputs []LinkInput) []Link {
	links := make([]Link, 0, len(inputs))
	var prev *Link
	for _, in := range inputs {
		link := Recompute(prev, in)
		links = append(links, link)
		prev = &links[len(links)-1]
	}
	return links
}

// ChainBreak describes a link whose opening does not match its predecessor.
type ChainBreak struct {
	Key             PeriodKey
	Section         Section
	ExpectedOpening SectionValues
	ActualOpening   SectionValues
}

// VerifyChain returns every break of the chain invariant (tolerance 0.01)
// and every link violating the closing formula.
func VerifyChain(links []Link) []ChainBreak {
	var breaks []ChainBreak
	for i, l := range links {
		for _, s := range Sections {
			if !l.Section(s).Consistent() {
				breaks = append(breaks, ChainBreak{Key: l.Key, Section: s, ActualOpening: l.Opening()})
				continue
			}
			if i == 0 {
				continue
			}
			expected := links[i-1].Section(s).Closing
			if !Within(l.Section(s).Opening, expected, Tolerance) {
				breaks = append(breaks, ChainBreak{
					Key:             l.Key,
					Section:         s,
					ExpectedOpening: links[i-1].Closing(),
					ActualOpening:   l.Opening(),
				})
			}
		}
	}
	return breaks
}
