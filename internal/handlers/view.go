package handlers

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/Brownie44l1/damage-api/internal/model"
)

// Severity picks the styling of a result card.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)

func SeverityOf(c model.Condition) Severity {
	switch c {
	case model.Normal:
		return SeverityInfo
	case model.Breakage:
		return SeverityWarning
	default:
		return SeverityAlert
	}
}

var severityEmoji = map[Severity]string{
	SeverityInfo:    "✅",
	SeverityWarning: "⚠️",
	SeverityAlert:   "🚨",
}

// Result is what the page and the JSON API show for one prediction.
type Result struct {
	Label     string
	Location  string
	Condition string
	Severity  Severity
	Emoji     string
	Filename  string
	ImageURI  template.URL
}

func NewResult(l model.Label) Result {
	sev := SeverityOf(l.Condition)
	return Result{
		Label:     l.String(),
		Location:  string(l.Location),
		Condition: string(l.Condition),
		Severity:  sev,
		Emoji:     severityEmoji[sev],
	}
}

func (r Result) Response() model.PredictionResponse {
	return model.PredictionResponse{
		Class:     r.Label,
		Location:  r.Location,
		Condition: r.Condition,
		Severity:  string(r.Severity),
	}
}

// dataURI inlines the uploaded image so nothing has to be kept on disk.
func dataURI(data []byte) template.URL {
	mime := http.DetectContentType(data)
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
}

type classInfo struct {
	Name        string
	Description string
}

var conditionText = map[model.Condition]string{
	model.Breakage: "Minor damage to %s section",
	model.Crushed:  "Severe damage to %s section",
	model.Normal:   "No damage detected in %s",
}

func aboutClasses() []classInfo {
	vocab := model.Vocabulary()
	out := make([]classInfo, 0, len(vocab))
	for _, l := range vocab {
		out = append(out, classInfo{
			Name:        string(l.Location) + " " + string(l.Condition),
			Description: fmt.Sprintf(conditionText[l.Condition], strings.ToLower(string(l.Location))),
		})
	}
	return out
}

type page struct {
	Result  *Result
	Error   string
	Classes []classInfo
	Accept  string
}
