package report

import (
	"html/template"
	"io"
)

var reportTemplate = template.Must(template.New("report").Parse(
	`{{- if eq .Stage "run" -}}
{{- if .TimedOut}}<p id='fail'>Time limit exceeded.</p>
{{end -}}
{{- if .Malformed}}<p id='fail'>Test output was truncated.</p>
{{end -}}
{{- range .Tests -}}
<fieldset id='{{if .Passed}}pass{{else}}fail{{end}}'>
<legend>{{.Name}} — {{if .Passed}}Passed{{else}}Failed{{end}}</legend>
Input: {{.Provided}}<br>
Output: {{.Received}}<br>
<span{{if not .Passed}} id='fail'{{end}}>Expected: {{.Expected}}</span>
{{range .Hints}}<p>{{.}}</p>
{{end -}}
</fieldset>
{{end -}}
{{- else -}}
{{- if eq .Stage "compile"}}<p id='fail'>{{if .TimedOut}}Compilation timed out.{{else}}Compilation failed.{{end}}</p>
{{end -}}
<pre>{{.Output}}</pre>
{{end -}}`))

var pendingTemplate = template.Must(template.New("pending").Parse(`<p>Awaiting Testing...</p>
`))

// RenderHTML writes the fragment shown on a submission page. All text is escaped.
func RenderHTML(w io.Writer, r Report) error {
	return reportTemplate.Execute(w, r)
}

// RenderPending writes the placeholder for a submission still being graded.
func RenderPending(w io.Writer) error {
	return pendingTemplate.Execute(w, nil)
}
