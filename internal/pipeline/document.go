package pipeline

// Party is one (name, role) pair from an inscription's parties field.
type Party struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Inscription is one numbered record on an index page. Fields the source
// marks as empty stay nil so consumers can tell "absent" from "blank".
type Inscription struct {
	Line             int     `json:"line"`
	PresentationDate *string `json:"presentation_date"`
	Number           *string `json:"number"`
	Nature           *string `json:"nature"`
	Parties          []Party `json:"parties"`
	Remarks          *string `json:"remarks"`
	Radiations       *string `json:"radiations"`
}

// Page is the structured result for one rasterized page. Diagnostics keeps
// the raw text of any block the sanitizer could not parse, so nothing is
// silently lost. Complete is false when a provider stage failed for this
// page and the text below it is partial or missing.
type Page struct {
	Number          int           `json:"number"`
	Circonscription *string       `json:"circonscription"`
	Cadastre        *string       `json:"cadastre"`
	Lot             *string       `json:"lot"`
	Inscriptions    []Inscription `json:"inscriptions"`
	Diagnostics     []string      `json:"diagnostics,omitempty"`
	Complete        bool          `json:"complete"`
}

// Document is the structured output for one job, in page order. It lives
// only long enough to be serialized into the job's completion write.
type Document struct {
	Pages []Page `json:"pages"`
}

// CompletePages counts pages whose stages all finished.
func (d Document) CompletePages() int {
	n := 0
	for _, p := range d.Pages {
		if p.Complete {
			n++
		}
	}
	return n
}
