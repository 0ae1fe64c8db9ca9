package server

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// InjectScript inserts a <script src=src> element before the last </body>
// tag of doc. Tags inside comments, scripts or attribute values do not count.
// Documents without a body end tag get the script appended.
func InjectScript(doc []byte, src string) []byte {
	tag := `<script src="` + html.EscapeString(src) + `"></script>`

	at := -1
	offset := 0
	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if !errors.Is(z.Err(), io.EOF) {
				at = -1
			}
			break
		}
		raw := len(z.Raw())
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			if strings.EqualFold(string(name), "body") {
				at = offset
			}
		}
		offset += raw
	}

	out := make([]byte, 0, len(doc)+len(tag)+1)
	if at < 0 {
		out = append(out, doc...)
		if len(doc) > 0 && doc[len(doc)-1] != '\n' {
			out = append(out, '\n')
		}
		return append(out, tag...)
	}
	out = append(out, doc[:at]...)
	out = append(out, tag...)
	return append(out, doc[at:]...)
}
