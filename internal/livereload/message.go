package livereload

import "time"

// Message types understood by the client script.
const (
	TypeCSS        = "css"
	TypeJS         = "js"
	TypeReload     = "reload"
	TypeBuildError = "build_error"
)

// Message represents a message sent to the browser
type Message struct {
	Type      string    `json:"type"`
	Target    string    `json:"target,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
