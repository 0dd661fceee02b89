package view

import (
	"unicode/utf8"
)

// DefaultThreshold is the length above which Compute stops looking for a
// minimal span.
const DefaultThreshold = 10000

// Edit replaces the byte range [Start, End) of the old text with Text.
type Edit struct {
	Start int
	End   int
	Text  string
}

// Delta is the change in length the edit causes.
func (e Edit) Delta() int {
	return len(e.Text) - (e.End - e.Start)
}

// Noop reports whether the edit changes nothing.
func (e Edit) Noop() bool {
	return e.Start == e.End && e.Text == ""
}

// Compute returns the smallest single edit turning old into new. When either
// text is longer than threshold characters the whole text is replaced.
// A threshold <= 0 selects DefaultThreshold. Offsets always fall on rune
// boundaries.
func Compute(old, new string, threshold int) Edit {
	if old == new {
		return Edit{Start: len(old), End: len(old)}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if utf8.RuneCountInString(old) > threshold || utf8.RuneCountInString(new) > threshold {
		return Edit{Start: 0, End: len(old), Text: new}
	}

	limit := min(len(old), len(new))

	prefix := 0
	for prefix < limit && old[prefix] == new[prefix] {
		prefix++
	}
	for prefix > 0 && !(boundary(old, prefix) && boundary(new, prefix)) {
		prefix--
	}

	suffix := 0
	for suffix < limit-prefix && old[len(old)-1-suffix] == new[len(new)-1-suffix] {
		suffix++
	}
	for suffix > 0 && !utf8.RuneStart(old[len(old)-suffix]) {
		suffix--
	}

	return Edit{
		Start: prefix,
		End:   len(old) - suffix,
		Text:  new[prefix : len(new)-suffix],
	}
}

func boundary(s string, i int) bool {
	return i <= 0 || i >= len(s) || utf8.RuneStart(s[i])
}

// Shift moves selections to account for e. Positions after e.Start move by
// the edit's delta and are clamped to [e.Start, size]; positions at or
// before e.Start are untouched.
func Shift(sels []Selection, e Edit, size int) []Selection {
	if len(sels) == 0 {
		return nil
	}
	delta := e.Delta()
	move := func(p int) int {
		if p <= e.Start {
			return p
		}
		p += delta
		if p < e.Start {
			p = e.Start
		}
		if p > size {
			p = size
		}
		return p
	}

	out := make([]Selection, len(sels))
	for i, s := range sels {
		out[i] = Selection{Start: move(s.Start), End: move(s.End)}
	}
	return out
}

// Splice pushes text into v using the minimal edit and keeps the view's
// selections in place. It returns the edit applied.
func Splice(v View, text string, threshold int) (Edit, error) {
	old, err := v.Text()
	if err != nil {
		return Edit{}, err
	}

	e := Compute(old, text, threshold)
	if e.Noop() {
		return e, nil
	}

	sels := v.Selections()
	if err := v.Replace(e.Start, e.End, e.Text); err != nil {
		return Edit{}, err
	}
	if len(sels) > 0 {
		v.SetSelections(Shift(sels, e, len(text)))
	}
	return e, nil
}
