package poit

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/isakskogstad/LoopDesk-sub005/extract"
)

// Challenge is an image challenge interposed before the requested page.
type Challenge struct {
	// Image is the data URL of the challenge image; empty when the page
	// blocks without offering one.
	Image string
	// Action is the absolute form target.
	Action string
	Method string
	// Fields are the form's other inputs, submitted unchanged.
	Fields url.Values
	// AnswerField receives the solved text.
	AnswerField string
	// Blocked is set for a block page with no form to answer.
	Blocked bool
}

// DetectChallenge reports whether body is a challenge page rather than
// content. It looks for the answer input next to an inline image inside
// a form, or the "human visitor" block text.
func DetectChallenge(body []byte, pageURL *url.URL, sel Selectors) (*Challenge, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	sel = sel.WithDefaults()

	input := extract.Query(doc, sel.CaptchaInput)
	if input == nil {
		if sel.BlockText != "" && strings.Contains(strings.ToLower(extract.Text(doc)), strings.ToLower(sel.BlockText)) {
			return &Challenge{Method: "POST", Blocked: true}, true
		}
		return nil, false
	}

	form := extract.Closest(input, atom.Form)
	scope := form
	if scope == nil {
		scope = doc
	}
	c := &Challenge{
		Method:      "POST",
		Fields:      url.Values{},
		AnswerField: extract.Attr(input, "name"),
	}
	if c.AnswerField == "" {
		c.AnswerField = strings.TrimPrefix(sel.CaptchaInput, "#")
	}
	if img := extract.Query(scope, sel.CaptchaImage); img != nil {
		c.Image = extract.Attr(img, "src")
	} else if img := extract.Query(doc, sel.CaptchaImage); img != nil {
		c.Image = extract.Attr(img, "src")
	}

	action := ""
	if form != nil {
		action = extract.Attr(form, "action")
		if m := strings.ToUpper(extract.Attr(form, "method")); m == "GET" {
			c.Method = "GET"
		}
		for _, in := range extract.QueryAll(form, "input") {
			name := extract.Attr(in, "name")
			if name == "" || name == c.AnswerField {
				continue
			}
			switch strings.ToLower(extract.Attr(in, "type")) {
			case "submit", "button", "image":
				continue
			}
			c.Fields.Add(name, extract.Attr(in, "value"))
		}
	}
	if btn := extract.Query(scope, sel.CaptchaSubmit); btn != nil {
		if name := extract.Attr(btn, "name"); name != "" {
			c.Fields.Set(name, extract.Attr(btn, "value"))
		}
	}
	c.Action = resolve(pageURL, action)
	if action == "" && pageURL != nil {
		c.Action = pageURL.String()
	}
	return c, true
}

// Answer returns the form values carrying answer.
func (c *Challenge) Answer(answer string) url.Values {
	v := url.Values{}
	for k, vals := range c.Fields {
		v[k] = append([]string(nil), vals...)
	}
	v.Set(c.AnswerField, answer)
	return v
}
