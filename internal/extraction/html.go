package extraction

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// TableMethod reads HTML <table> elements.
type TableMethod struct{}

// Name implements Method.
func (TableMethod) Name() crawler.ExtractionMethod { return crawler.MethodTable }

// Confidence implements Method.
func (TableMethod) Confidence() float64 { return 0.85 }

// Applies implements Method.
func (TableMethod) Applies(doc crawler.Document) bool { return isHTML(doc) }

// Tables implements Method.
func (TableMethod) Tables(_ context.Context, doc crawler.Document) ([]Table, error) {
	page, err := parseHTML(doc)
	if err != nil {
		return nil, err
	}
	var tables []Table
	page.Find("table").Each(func(_ int, sel *goquery.Selection) {
		t := Table{Context: tableContext(sel)}
		sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var row []string
			tr.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				row = append(row, cleanText(cell.Text()))
			})
			if len(row) > 0 {
				t.Rows = append(t.Rows, row)
			}
		})
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	})
	return tables, nil
}

// FormMethod reads label/value structures: definition lists, labelled form
// inputs and key/value paragraphs in result pages of tariff calculators.
type FormMethod struct{}

// Name implements Method.
func (FormMethod) Name() crawler.ExtractionMethod { return crawler.MethodForm }

// Confidence implements Method.
func (FormMethod) Confidence() float64 { return 0.75 }

// Applies implements Method.
func (FormMethod) Applies(doc crawler.Document) bool { return isHTML(doc) }

// Tables implements Method.
func (FormMethod) Tables(_ context.Context, doc crawler.Document) ([]Table, error) {
	page, err := parseHTML(doc)
	if err != nil {
		return nil, err
	}
	var tables []Table
	page.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		t := Table{Context: tableContext(dl)}
		dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			dd := dt.NextFiltered("dd")
			if dd.Length() == 0 {
				return
			}
			t.Rows = append(t.Rows, []string{cleanText(dt.Text()), cleanText(dd.Text())})
		})
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	})
	page.Find("form").Each(func(_ int, form *goquery.Selection) {
		t := Table{Context: tableContext(form)}
		form.Find("label").Each(func(_ int, label *goquery.Selection) {
			value := labelledValue(page, label)
			if value == "" {
				return
			}
			t.Rows = append(t.Rows, []string{cleanText(label.Text()), value})
		})
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	})
	return tables, nil
}

func labelledValue(page *goquery.Document, label *goquery.Selection) string {
	var input *goquery.Selection
	if id, ok := label.Attr("for"); ok && id != "" {
		input = page.Find(fmt.Sprintf("[id=%q]", id))
	} else {
		input = label.Find("input,output,select")
	}
	if input.Length() == 0 {
		return ""
	}
	input = input.First()
	if goquery.NodeName(input) == "select" {
		return cleanText(input.Find("option[selected]").First().Text())
	}
	if v, ok := input.Attr("value"); ok {
		return strings.TrimSpace(v)
	}
	return cleanText(input.Text())
}

// TextMethod matches patterns in the visible text of HTML and plain text
// documents. It is the least reliable method and the last resort.
type TextMethod struct{}

// Name implements Method.
func (TextMethod) Name() crawler.ExtractionMethod { return crawler.MethodText }

// Confidence implements Method.
func (TextMethod) Confidence() float64 { return 0.5 }

// Applies implements Method.
func (TextMethod) Applies(doc crawler.Document) bool { return isHTML(doc) || isPlainText(doc) }

// Tables implements Method. Each non-empty line becomes a one-cell row.
func (TextMethod) Tables(_ context.Context, doc crawler.Document) ([]Table, error) {
	text := string(doc.Body)
	if isHTML(doc) {
		page, err := parseHTML(doc)
		if err != nil {
			return nil, err
		}
		page.Find("script,style,noscript,nav,footer").Remove()
		page.Find("br").ReplaceWithHtml("\n")
		page.Find("td,th,dd").AppendHtml(" ")
		page.Find("p,div,li,tr,dt,dd,caption,h1,h2,h3,h4,h5,h6").PrependHtml("\n").AppendHtml("\n")
		text = page.Find("body").Text()
	}
	return []Table{linesTable(text)}, nil
}

func linesTable(text string) Table {
	var t Table
	for _, line := range strings.Split(text, "\n") {
		line = cleanText(line)
		if line != "" {
			t.Rows = append(t.Rows, []string{line})
		}
	}
	return t
}

func parseHTML(doc crawler.Document) (*goquery.Document, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return page, nil
}

func tableContext(sel *goquery.Selection) string {
	if caption := cleanText(sel.Find("caption").First().Text()); caption != "" {
		return caption
	}
	heading := sel.PrevAllFiltered("h1,h2,h3,h4,h5,h6").First()
	if heading.Length() == 0 {
		heading = sel.Parent().PrevAllFiltered("h1,h2,h3,h4,h5,h6").First()
	}
	return cleanText(heading.Text())
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
