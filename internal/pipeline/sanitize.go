package pipeline

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// PageDelimiter separates page blocks in the joined corrected text. The
// pipeline inserts it between per-page transcripts before sanitizing.
const PageDelimiter = "--- PAGE ---"

// CompletionMarker is the terminator every provider response must carry.
// A response without it is treated as truncated.
const CompletionMarker = "[FIN]"

// emptyMarker is the literal the transcription stage writes for a blank
// cell. It maps to a nil field, never to an empty string.
const emptyMarker = "[vide]"

// ErrUnparseable means the corrected text held no recognizable structure
// at all. Partial parses are not errors; unmatched blocks land in the
// page diagnostics instead.
var ErrUnparseable = errors.New("no recognizable structure in corrected text")

var (
	ligneRe   = regexp.MustCompile(`^Ligne\s+(\d+)\s*:\s*`)
	labelRe   = regexp.MustCompile(`(?i)(date de pr[ée]sentation|num[ée]ro d'inscription|nature de l'acte|nom des parties|qualit[ée]|remarques|radiations)\s*:`)
	ordinalRe = regexp.MustCompile(`(?i)\d+\s*(?:ière|ieme|ième|ere|ère|eme|ème|re|e)\s+partie`)
	dotsRe    = regexp.MustCompile(`^\s*\.{2,}\s*|\s*\.{2,}\s*$`)
)

// Sanitize parses free-form corrected text into a Document. Pure: no I/O,
// no provider calls. Pages are split on PageDelimiter and numbered in
// input order; within a page, header fields are matched by label and
// inscription records by their "Ligne N:" prefix. Text that matches
// nothing is kept in the page's Diagnostics.
func Sanitize(text string) (Document, error) {
	blocks := strings.Split(text, PageDelimiter)
	doc := Document{Pages: make([]Page, 0, len(blocks))}

	recognized := false
	for i, block := range blocks {
		page := sanitizePage(i+1, block)
		if page.Circonscription != nil || page.Cadastre != nil || page.Lot != nil || len(page.Inscriptions) > 0 {
			recognized = true
		}
		doc.Pages = append(doc.Pages, page)
	}
	if !recognized {
		return doc, ErrUnparseable
	}
	return doc, nil
}

func sanitizePage(number int, block string) Page {
	page := Page{Number: number}

	var record []string
	flush := func() {
		if record == nil {
			return
		}
		raw := strings.Join(record, "\n")
		if ins, ok := parseInscription(raw); ok {
			page.Inscriptions = append(page.Inscriptions, ins)
		} else {
			page.Diagnostics = append(page.Diagnostics, raw)
		}
		record = nil
	}

	for _, rawLine := range strings.Split(block, "\n") {
		line := strings.TrimSpace(strings.ReplaceAll(rawLine, CompletionMarker, ""))
		if line == "" {
			continue
		}
		if ligneRe.MatchString(line) {
			flush()
			record = []string{line}
			continue
		}
		if record != nil {
			record = append(record, line)
			continue
		}
		if page.applyHeader(line) {
			continue
		}
		page.Diagnostics = append(page.Diagnostics, line)
	}
	flush()
	return page
}

// applyHeader matches a page-level metadata line by label and stores its
// value. Returns false for lines that are not header fields.
func (p *Page) applyHeader(line string) bool {
	for _, h := range []struct {
		labels []string
		dst    **string
	}{
		{[]string{"circonscription foncière", "circonscription fonciere", "circonscription"}, &p.Circonscription},
		{[]string{"cadastre"}, &p.Cadastre},
		{[]string{"lot"}, &p.Lot},
	} {
		for _, label := range h.labels {
			rest, ok := cutLabel(line, label)
			if !ok {
				continue
			}
			*h.dst = cleanField(rest)
			return true
		}
	}
	return false
}

func cutLabel(line, label string) (string, bool) {
	if len(line) <= len(label) {
		return "", false
	}
	if !strings.EqualFold(line[:len(label)], label) {
		return "", false
	}
	rest := strings.TrimSpace(line[len(label):])
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	return strings.TrimPrefix(rest, ":"), true
}

func parseInscription(raw string) (Inscription, bool) {
	text := strings.ReplaceAll(raw, "’", "'")

	m := ligneRe.FindStringSubmatch(text)
	if m == nil {
		return Inscription{}, false
	}
	lineNo, err := strconv.Atoi(m[1])
	if err != nil {
		return Inscription{}, false
	}
	rest := text[len(m[0]):]

	locs := labelRe.FindAllStringSubmatchIndex(rest, -1)
	if len(locs) == 0 {
		return Inscription{}, false
	}

	ins := Inscription{Line: lineNo}
	var partiesText, rolesText string
	for i, loc := range locs {
		label := strings.ToLower(rest[loc[2]:loc[3]])
		end := len(rest)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		value := rest[loc[1]:end]
		switch {
		case strings.HasPrefix(label, "date"):
			ins.PresentationDate = cleanField(value)
		case strings.HasPrefix(label, "num"):
			ins.Number = cleanField(value)
		case strings.HasPrefix(label, "nature"):
			ins.Nature = cleanField(value)
		case strings.HasPrefix(label, "nom"):
			if v := cleanField(value); v != nil {
				partiesText = *v
			}
		case strings.HasPrefix(label, "qualit"):
			if v := cleanField(value); v != nil {
				rolesText = *v
			}
		case strings.HasPrefix(label, "remarques"):
			ins.Remarks = cleanField(value)
		case strings.HasPrefix(label, "radiations"):
			ins.Radiations = cleanField(value)
		}
	}
	ins.Parties = splitParties(partiesText, rolesText)
	return ins, true
}

// splitParties turns the registry's run-together parties column into
// individual (name, role) pairs. Names come comma-separated with each
// person written "SURNAME, GIVEN", so consecutive people share a chunk:
// in "THIBODEAU, GUY BEAUREGARD, ANDRE" the middle chunk carries the
// first person's given name and the second person's surname. Roles are
// split on ordinal markers ("1ere partie", "2ième partie") or on "/" for
// compound roles; with fewer roles than names the last role repeats.
func splitParties(names, roles string) []Party {
	names = strings.TrimSpace(names)
	if names == "" {
		return nil
	}

	chunks := strings.Split(names, ",")
	for i := range chunks {
		chunks[i] = strings.TrimSpace(chunks[i])
	}

	var full []string
	if len(chunks) == 1 {
		full = []string{chunks[0]}
	} else {
		surnames := []string{chunks[0]}
		givens := make([]string, 0, len(chunks)-1)
		for _, mid := range chunks[1 : len(chunks)-1] {
			cut := strings.LastIndex(mid, " ")
			if cut < 0 {
				givens = append(givens, "")
				surnames = append(surnames, mid)
				continue
			}
			givens = append(givens, strings.TrimSpace(mid[:cut]))
			surnames = append(surnames, strings.TrimSpace(mid[cut+1:]))
		}
		givens = append(givens, chunks[len(chunks)-1])
		for i := range surnames {
			if givens[i] == "" {
				full = append(full, surnames[i])
				continue
			}
			full = append(full, surnames[i]+", "+givens[i])
		}
	}

	roleList := splitRoles(roles)
	parties := make([]Party, len(full))
	for i, name := range full {
		role := ""
		switch {
		case i < len(roleList):
			role = roleList[i]
		case len(roleList) > 0:
			role = roleList[len(roleList)-1]
		}
		parties[i] = Party{Name: name, Role: role}
	}
	return parties
}

func splitRoles(roles string) []string {
	roles = strings.TrimSpace(roles)
	if roles == "" {
		return nil
	}
	if matches := ordinalRe.FindAllString(roles, -1); len(matches) > 1 {
		for i := range matches {
			matches[i] = strings.TrimSpace(matches[i])
		}
		return matches
	}
	if strings.Contains(roles, "/") {
		parts := strings.Split(roles, "/")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{roles}
}

// cleanField trims a raw field value and maps the empty marker to nil.
// Stray ellipsis runs from the transcription are stripped off both ends.
func cleanField(value string) *string {
	v := strings.TrimSpace(dotsRe.ReplaceAllString(strings.TrimSpace(value), ""))
	if v == "" || strings.EqualFold(v, emptyMarker) {
		return nil
	}
	return &v
}
