// Package poit knows the markup of the Swedish official gazette (Post- och
// Inrikes Tidningar): search URLs, result tables, notice pages, the image
// challenge, Swedish dates and organisation numbers.
package poit

// DefaultBaseURL is the public search page.
const DefaultBaseURL = "https://poit.bolagsverket.se/poit-app/sok"

// Selectors locate gazette elements. Fields left empty in a config file
// keep their default, so operators can patch one selector after a markup
// change without restating the rest.
type Selectors struct {
	ResultRow        string `yaml:"result_row"`
	ResultLink       string `yaml:"result_link"`
	ResultCell       string `yaml:"result_cell"`
	ResultsContainer string `yaml:"results_container"`
	EmptyMarker      string `yaml:"empty_marker"`
	EmptyText        string `yaml:"empty_text"`
	NextPage         string `yaml:"next_page"`
	DetailBody       string `yaml:"detail_body"`
	DetailLabel      string `yaml:"detail_label"`
	CaptchaInput     string `yaml:"captcha_input"`
	CaptchaImage     string `yaml:"captcha_image"`
	CaptchaSubmit    string `yaml:"captcha_submit"`
	BlockText        string `yaml:"block_text"`
}

// DefaultSelectors returns the selectors for the current gazette markup.
func DefaultSelectors() Selectors {
	return Selectors{
		ResultRow:        "tr, [role=row]",
		ResultLink:       "a[href*=kungorelse/]",
		ResultCell:       "td, [role=cell]",
		ResultsContainer: "table.sokresultat, [role=table], #sokresultat",
		EmptyMarker:      ".inga-traffar, #ingaTraffar",
		EmptyText:        "inga träffar",
		NextPage:         "a[rel=next], a.nasta, a[aria-label=Nästa]",
		DetailBody:       "#kungorelsetext, .kungorelsetext, [data-kungorelsetext]",
		DetailLabel:      "Kungörelsetext",
		CaptchaInput:     "#ans",
		CaptchaImage:     "img[src^=data:image]",
		CaptchaSubmit:    "#jar",
		BlockText:        "human visitor",
	}
}

// WithDefaults fills empty fields from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.ResultRow, d.ResultRow)
	fill(&s.ResultLink, d.ResultLink)
	fill(&s.ResultCell, d.ResultCell)
	fill(&s.ResultsContainer, d.ResultsContainer)
	fill(&s.EmptyMarker, d.EmptyMarker)
	fill(&s.EmptyText, d.EmptyText)
	fill(&s.NextPage, d.NextPage)
	fill(&s.DetailBody, d.DetailBody)
	fill(&s.DetailLabel, d.DetailLabel)
	fill(&s.CaptchaInput, d.CaptchaInput)
	fill(&s.CaptchaImage, d.CaptchaImage)
	fill(&s.CaptchaSubmit, d.CaptchaSubmit)
	fill(&s.BlockText, d.BlockText)
	return s
}
