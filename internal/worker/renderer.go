package worker

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"rental-ops/internal/models"
)

const documentContentType = "text/html; charset=utf-8"

// Renderer turns a contract into a document body.
type Renderer interface {
	Render(ctx context.Context, contract models.Contract, templateName string) ([]byte, string, error)
}

// UnknownTemplateError is returned for a template name the renderer does not have.
type UnknownTemplateError struct{ Name string }

func (e UnknownTemplateError) Error() string { return fmt.Sprintf("unknown template %q", e.Name) }

// HTMLRenderer renders contracts from built-in HTML templates.
type HTMLRenderer struct {
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"date":  func(t time.Time) string { return t.Format("02/01/2006") },
	"money": formatMoney,
}

const baseTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Contract {{.Code}}</title></head>
<body>
<h1>{{block "title" .}}Rental agreement{{end}}</h1>
<p>Contract <strong>{{.Code}}</strong> between the landlord and <strong>{{.TenantName}}</strong>.</p>
<p>Property: {{.PropertyAddress}}</p>
<p>Term: {{date .StartDate}} to {{date .EndDate}}</p>
<table>
<tr><td>Monthly rent</td><td>{{money .MonthlyRent}}</td></tr>
<tr><td>Deposit</td><td>{{money .Deposit}}</td></tr>
</table>
<p>Transfer reference: <code>{{.PaymentReference}}</code></p>
{{block "extra" .}}{{end}}
</body></html>
`

const premiumTemplate = `{{define "title"}}Serviced apartment agreement{{end}}
{{define "extra"}}<p>Cleaning and utilities are included in the monthly rent.</p>{{end}}`

// NewHTMLRenderer parses the built-in templates.
func NewHTMLRenderer() (*HTMLRenderer, error) {
	base, err := template.New("standard").Funcs(funcs).Parse(baseTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse standard template: %w", err)
	}
	premium, err := overlay(base, "premium", premiumTemplate)
	if err != nil {
		return nil, err
	}
	return &HTMLRenderer{templates: map[string]*template.Template{
		"standard": base,
		"premium":  premium,
	}}, nil
}

// overlay clones base and redefines its blocks with text.
func overlay(base *template.Template, name, text string) (*template.Template, error) {
	clone, err := base.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone template for %s: %w", name, err)
	}
	t, err := clone.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return t, nil
}

func (r *HTMLRenderer) Render(_ context.Context, contract models.Contract, templateName string) ([]byte, string, error) {
	if templateName == "" {
		templateName = "standard"
	}
	tmpl, ok := r.templates[templateName]
	if !ok {
		return nil, "", UnknownTemplateError{Name: templateName}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, contract); err != nil {
		return nil, "", fmt.Errorf("render %s: %w", templateName, err)
	}
	return buf.Bytes(), documentContentType, nil
}

// formatMoney prints whole currency units with thousands separators, e.g. 5,000,000.
func formatMoney(v float64) string {
	n := int64(v + 0.5)
	if v < 0 {
		n = int64(v - 0.5)
	}
	s := fmt.Sprintf("%d", n)
	neg := false
	if s[0] == '-' {
		neg, s = true, s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
