package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
)

// templateData is what a bundled page template sees: the request path, its
// query parameters, and the wildcard segment values both as a slice and as
// individually named fields (param0, param1, ...).
func templateData(path string, params []string, query url.Values) map[string]interface{} {
	data := map[string]interface{}{
		"path":   path,
		"params": params,
		"query":  query,
	}
	for i, p := range params {
		data[fmt.Sprintf("param%d", i)] = p
	}
	return data
}

// renderTemplate executes one bundled template against the request data.
// Templates are html/template, so interpolated values are escaped for their
// output context.
func renderTemplate(name string, content []byte, data map[string]interface{}) ([]byte, error) {
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
